package browser

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"caebridge/internal/autoerr"
)

var (
	reUnreadCounter = regexp.MustCompile(`(?i)no\s+le[ií]do:?\s*(\d+)`)
	reNewsTitle     = regexp.MustCompile(`(?i)avisos|comunicados|noticias`)
	reBlockerTitle  = regexp.MustCompile(`(?i)avisos|comunicados|noticias|seguridad`)
)

// ParseUnreadCount extracts N from the "No leído: N" counter; -1 when the
// counter is absent.
func ParseUnreadCount(text string) int {
	m := reUnreadCounter.FindStringSubmatch(text)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// IsNewsTitle reports whether a window title marks a news/notices blocker.
func IsNewsTitle(title string) bool { return reNewsTitle.MatchString(title) }

// IsBlockerTitle reports whether a window title marks a generic DHTMLX
// blocker worth a best-effort close.
func IsBlockerTitle(title string) bool { return reBlockerTitle.MatchString(title) }

// DismissBlockers runs the full cascade: priority communications first,
// then the news window, then generic DHTMLX blockers. It is safe to re-run
// before any critical navigation.
func (d *Driver) DismissBlockers() error {
	if err := d.dismissPriorityCommunications(); err != nil {
		return err
	}
	if err := d.dismissNewsWindow(); err != nil {
		return err
	}
	d.dismissGenericBlockers()
	return nil
}

// dismissPriorityCommunications handles the ComunicadosPrioritarios iframe:
// mark every unread entry as read, then close the window.
func (d *Driver) dismissPriorityCommunications() error {
	el, err := d.page.Timeout(2 * time.Second).Element(`iframe[src*="ComunicadosPrioritarios"]`)
	if err != nil || el == nil {
		return nil
	}
	frame, err := el.Frame()
	if err != nil {
		return nil
	}

	for attempt := 0; attempt < 20; attempt++ {
		n := d.readUnreadCount(frame)
		if n <= 0 {
			break
		}
		d.log.Infow("priority communications pending", "unread", n)
		if !d.markFirstUnread(frame) {
			return autoerr.Exec(autoerr.CodeExecDHXBlocker,
				"unread communication could not be marked as read")
		}
		if !d.waitCounterBelow(frame, n, 10*time.Second) {
			return autoerr.Exec(autoerr.CodeExecDHXBlocker,
				fmt.Sprintf("unread counter did not decrease below %d", n))
		}
	}

	if !d.closeDHXWindow(reNewsTitle) {
		return autoerr.Exec(autoerr.CodeExecDHXBlocker,
			"priority communications window resisted every close strategy")
	}
	return nil
}

func (d *Driver) readUnreadCount(frame *rod.Page) int {
	res, err := frame.Timeout(2 * time.Second).Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return -1
	}
	return ParseUnreadCount(res.Value.Str())
}

// markFirstUnread clicks the first unread entry and its "Marcar como leído"
// control, falling through page, frame, XPath ancestor, and coordinate
// strategies.
func (d *Driver) markFirstUnread(frame *rod.Page) bool {
	if entry, err := frame.Timeout(2 * time.Second).Element(`tr.no_leido, .comunicado.no-leido, tr.unread`); err == nil && entry != nil {
		_ = entry.Click(proto.InputMouseButtonLeft, 1)
	}

	for _, scope := range []*rod.Page{d.page, frame} {
		if btn, err := scope.Timeout(time.Second).ElementR("a, button, input", `(?i)marcar como le[ií]do`); err == nil && btn != nil {
			if btn.Click(proto.InputMouseButtonLeft, 1) == nil {
				return true
			}
		}
	}
	// XPath: any clickable ancestor of the mark-as-read text.
	if el, err := frame.Timeout(time.Second).ElementX(
		`//*[contains(translate(text(),'MARCADOLEÍ','marcadoleí'),'marcar como le')]/ancestor-or-self::*[self::a or self::button][1]`); err == nil && el != nil {
		if el.Click(proto.InputMouseButtonLeft, 1) == nil {
			return true
		}
	}
	// Last resort: coordinate click at the element's center.
	if el, err := frame.Timeout(time.Second).ElementR("*", `(?i)marcar como le[ií]do`); err == nil && el != nil {
		if shape, shapeErr := el.Shape(); shapeErr == nil && len(shape.Quads) > 0 {
			box := shape.Box()
			if d.page.Mouse.MoveTo(proto.Point{X: box.X + box.Width/2, Y: box.Y + box.Height/2}) == nil {
				return d.page.Mouse.Click(proto.InputMouseButtonLeft, 1) == nil
			}
		}
	}
	return false
}

func (d *Driver) waitCounterBelow(frame *rod.Page, prev int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n := d.readUnreadCount(frame); n >= 0 && n < prev {
			return true
		}
		time.Sleep(400 * time.Millisecond)
	}
	return false
}

// dismissNewsWindow closes the avisos/comunicados/noticias window,
// activating "do not show again" best-effort first.
func (d *Driver) dismissNewsWindow() error {
	title := d.visibleWindowTitle()
	if title == "" || !IsNewsTitle(title) {
		return nil
	}

	// Best-effort: never abort on this.
	if cb, err := d.page.Timeout(time.Second).ElementR("label, a, span", `(?i)no volver a mostrar|no mostrar de nuevo`); err == nil && cb != nil {
		_ = cb.Click(proto.InputMouseButtonLeft, 1)
	}

	if !d.closeDHXWindow(reNewsTitle) {
		return autoerr.Exec(autoerr.CodeExecDHXBlocker,
			fmt.Sprintf("news window %q resisted every close strategy", title))
	}
	return nil
}

func (d *Driver) dismissGenericBlockers() {
	title := d.visibleWindowTitle()
	if title != "" && IsBlockerTitle(title) {
		_ = d.closeDHXWindow(reBlockerTitle)
	}
}

func (d *Driver) visibleWindowTitle() string {
	res, err := d.page.Timeout(time.Second).Eval(`() => {
		const hdr = document.querySelector(".dhtmlx_wins_title, .dhx_wins_title, .dhtmlx_window_active .dhtmlx_wins_title");
		return hdr ? hdr.innerText : "";
	}`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// closeDHXWindow tries, in order: the DHTMLX JS API, the close button, a
// forced coordinate click on it, and Escape.
func (d *Driver) closeDHXWindow(titlePattern *regexp.Regexp) bool {
	res, err := d.page.Timeout(2*time.Second).Eval(`(pattern) => {
		const re = new RegExp(pattern, "i");
		const wins = window.dhxWins || window.dhtmlXWindows;
		if (wins && wins.forEachWindow) {
			let closed = false;
			wins.forEachWindow(w => {
				if (re.test(w.getText ? w.getText() : "")) { w.close(); closed = true; }
			});
			return closed;
		}
		return false;
	}`, titlePattern.String())
	if err == nil && res.Value.Bool() {
		return true
	}

	for _, sel := range []string{".dhtmlx_wins_close", ".dhx_wins_close", ".dhtmlx_button_close"} {
		if btn, btnErr := d.page.Timeout(time.Second).Element(sel); btnErr == nil && btn != nil {
			if btn.Click(proto.InputMouseButtonLeft, 1) == nil {
				return true
			}
			if shape, shapeErr := btn.Shape(); shapeErr == nil && len(shape.Quads) > 0 {
				box := shape.Box()
				if d.page.Mouse.MoveTo(proto.Point{X: box.X + box.Width/2, Y: box.Y + box.Height/2}) == nil &&
					d.page.Mouse.Click(proto.InputMouseButtonLeft, 1) == nil {
					return true
				}
			}
		}
	}

	if d.page.Keyboard.Press(0x1b) == nil { // Escape
		return d.visibleWindowTitle() == ""
	}
	return false
}
