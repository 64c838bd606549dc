package portal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"caebridge/internal/autoerr"
	"caebridge/internal/browser"
	"caebridge/internal/evidence"
	"caebridge/internal/logging"
	"caebridge/internal/matching"
	"caebridge/internal/textnorm"
)

func init() {
	Register("egestiona", newEgestiona)
}

// egestiona drives the e-gestiona portal family: frame-based layout, DHTMLX
// blockers, tr.ev_row pending grids.
type egestiona struct {
	deps   Deps
	driver *browser.Driver
	frame  *rod.Page
	rec    *evidence.Recorder
	log    *zap.SugaredLogger

	// same-state loop guard over screen signatures
	visits    map[string]int
	threshold int
	steps     int
	hardCap   int
}

func newEgestiona(deps Deps) (Connector, error) {
	threshold := deps.Browser.SameStateThreshold
	if threshold <= 0 {
		threshold = 2
	}
	hardCap := deps.Browser.HardCapSteps
	if hardCap <= 0 {
		hardCap = 120
	}
	return &egestiona{
		deps:      deps,
		rec:       deps.Recorder,
		log:       logging.Get(logging.CategoryBrowser),
		visits:    make(map[string]int),
		threshold: threshold,
		hardCap:   hardCap,
	}, nil
}

func (e *egestiona) Login(ctx context.Context) error {
	d, err := browser.Launch(ctx, browser.Options{
		Headful:           e.deps.Browser.Headful,
		NavigationTimeout: e.deps.Browser.NavigationTimeout(),
		StorageStatePath:  e.deps.StorageStatePath,
		AllowedDomains:    e.deps.Platform.AllowedDomains,
	})
	if err != nil {
		return err
	}
	e.driver = d

	if err := d.Login(e.deps.Platform, e.deps.Credential); err != nil {
		e.captureFailure("login")
		return err
	}
	return nil
}

// NavigateToPending walks base page -> blocker dismissal -> documents section
// -> coordination selection -> pending grid, checking the loop guard at every
// screen.
func (e *egestiona) NavigateToPending(ctx context.Context, coordLabel string) error {
	if e.driver == nil {
		return fmt.Errorf("connector not logged in")
	}
	if err := e.driver.Navigate(e.deps.Platform.BaseURL); err != nil {
		return err
	}
	if err := e.checkState(); err != nil {
		return err
	}
	if err := e.driver.DismissBlockers(); err != nil {
		e.captureFailure("blockers")
		return err
	}

	if coordLabel != "" {
		if err := e.selectCoordination(coordLabel); err != nil {
			return err
		}
		if err := e.checkState(); err != nil {
			return err
		}
		// Coordination switches can re-raise news windows.
		if err := e.driver.DismissBlockers(); err != nil {
			return err
		}
	}

	frame, err := e.driver.GridFrame()
	if err != nil {
		e.captureFailure("grid")
		return err
	}
	if err := e.driver.WaitGridReady(frame, 30*time.Second); err != nil {
		e.captureFailure("grid")
		return err
	}
	e.frame = frame
	return nil
}

// selectCoordination activates the coordination whose visible label matches.
func (e *egestiona) selectCoordination(label string) error {
	page := e.driver.Page()
	want := textnorm.Normalize(label)

	links, err := page.Timeout(10 * time.Second).Elements("a.listado_link, select#coordinacion option, td.coordinacion a")
	if err != nil {
		return autoerr.Exec(autoerr.CodeExecGridNotReached,
			"coordination selector not found").WithCause(err)
	}
	for _, link := range links {
		txt, txtErr := link.Text()
		if txtErr != nil {
			continue
		}
		if textnorm.Normalize(txt) == want {
			if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return fmt.Errorf("select coordination %q: %w", label, err)
			}
			return page.Timeout(e.deps.Browser.NavigationTimeout()).WaitLoad()
		}
	}
	return autoerr.Exec(autoerr.CodeExecGridNotReached,
		fmt.Sprintf("coordination %q not offered by the portal", label))
}

// checkState enforces the per-run step cap and the same-state revisit guard.
func (e *egestiona) checkState() error {
	e.steps++
	if e.steps > e.hardCap {
		return autoerr.Policy(autoerr.CodePolicyHardCapSteps,
			fmt.Sprintf("navigation exceeded %d steps", e.hardCap))
	}
	sig, err := e.driver.CurrentSignature()
	if err != nil {
		return err
	}
	e.visits[sig]++
	if e.visits[sig] > e.threshold {
		return autoerr.Policy(autoerr.CodePolicyHaltSameState,
			fmt.Sprintf("screen revisited %d times, navigation is looping", e.visits[sig]))
	}
	return nil
}

func (e *egestiona) ExtractPending(ctx context.Context, maxPages int) ([]matching.PendingRequirement, error) {
	if e.frame == nil {
		return nil, autoerr.Exec(autoerr.CodeExecGridNotReached, "pending grid not reached yet")
	}
	fetch := func(pageNo int) ([]matching.PendingRequirement, string, bool, error) {
		rows, err := browser.ExtractPendingRows(e.frame)
		if err != nil {
			return nil, "", false, err
		}
		frameURL := ""
		if info, infoErr := e.frame.Info(); infoErr == nil {
			frameURL = info.URL
		}
		sig := browser.GridSignature(frameURL, rows)
		hasNext, nextErr := e.driver.NextPage(e.frame)
		if nextErr != nil {
			return rows, sig, false, nextErr
		}
		return rows, sig, hasNext, nil
	}
	return browser.CollectPages(fetch, maxPages)
}

func (e *egestiona) UploadOne(ctx context.Context, item UploadItem) error {
	if e.frame == nil {
		return autoerr.Exec(autoerr.CodeExecGridNotReached, "pending grid not reached yet")
	}

	e.capture(e.steps, "before")
	err := e.driver.UploadOne(e.frame, browser.UploadRequest{
		Pending:  item.Pending,
		Rule:     item.Rule,
		FilePath: item.FilePath,
		Dates: browser.UploadDates{
			ValidFrom: item.ValidFrom,
			ValidTo:   item.ValidTo,
			IssueDate: item.IssueDate,
		},
	})
	e.capture(e.steps, "after")
	e.steps++
	return err
}

// capture takes a full-page screenshot; uploads are critical actions so both
// phases are always recorded.
func (e *egestiona) capture(step int, phase string) {
	if e.rec == nil || e.driver == nil {
		return
	}
	png, err := e.driver.Page().Screenshot(false, nil)
	if err != nil {
		e.log.Warnw("screenshot failed", "phase", phase, "error", err)
		return
	}
	if _, err := e.rec.SaveScreenshot(step, phase, png); err != nil {
		e.log.Warnw("evidence write failed", "phase", phase, "error", err)
	}
}

func (e *egestiona) captureFailure(stage string) {
	if e.driver == nil {
		return
	}
	e.capture(e.steps, "error_"+stage)
	if html, err := e.driver.Page().HTML(); err == nil && e.rec != nil {
		_, _ = e.rec.SaveHTML(e.steps, []byte(html))
	}
}

func (e *egestiona) Close() error {
	if e.driver == nil {
		return nil
	}
	err := e.driver.Close()
	e.driver = nil
	e.frame = nil
	return err
}
