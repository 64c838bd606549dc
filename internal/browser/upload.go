package browser

import (
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"caebridge/internal/autoerr"
	"caebridge/internal/matching"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
	"caebridge/internal/textnorm"
)

// UploadDates are the validity dates the form contract may ask for.
type UploadDates struct {
	ValidFrom repository.Date
	ValidTo   repository.Date
	IssueDate repository.Date
}

// UploadRequest carries everything the single-item upload needs. The file is
// attached from its local path; nothing else leaves the process.
type UploadRequest struct {
	Pending  matching.PendingRequirement
	Rule     *rules.SubmissionRule
	FilePath string
	Dates    UploadDates
	MaxPages int
}

// UploadOne executes the full per-item sequence on the pending grid:
// relocate the row, open its upload form, fill it from the rule's form
// contract, attach the file, submit once, and verify the outcome.
func (d *Driver) UploadOne(frame *rod.Page, req UploadRequest) error {
	row, err := d.relocateRow(frame, req.Pending, req.MaxPages)
	if err != nil {
		return err
	}
	if err := d.openUploadForm(frame, row); err != nil {
		return err
	}
	if err := d.fillUploadForm(frame, req); err != nil {
		return err
	}
	if err := d.submitUploadForm(frame, req.Rule.Form); err != nil {
		return err
	}
	return d.verifyUploaded(frame, req)
}

// relocateRow finds the grid row whose normalized cells match the pending
// item's key. Extraction leaves the pager wherever it stopped, so every
// search rewinds to the first page before scanning forward. Grids shift
// between plan build and apply, so the row is always re-resolved by
// content, never by position.
func (d *Driver) relocateRow(frame *rod.Page, pending matching.PendingRequirement, maxPages int) (*rod.Element, error) {
	want := pending.ItemKey()
	if maxPages <= 0 {
		maxPages = 10
	}
	row, err := relocate(maxPages,
		func() error { return d.FirstPage(frame, maxPages) },
		func() (*rod.Element, error) { return d.scanRows(frame, want) },
		func() (bool, error) { return d.NextPage(frame) },
	)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, autoerr.Exec(autoerr.CodeExecItemNotFound,
			fmt.Sprintf("pending item %q no longer present on the grid", want))
	}
	return row, nil
}

// relocate is the page walk of a row search: rewind to the first page, then
// scan and advance up to maxPages.
func relocate(maxPages int, rewind func() error, scan func() (*rod.Element, error),
	next func() (bool, error)) (*rod.Element, error) {
	if err := rewind(); err != nil {
		return nil, err
	}
	for pageNo := 1; pageNo <= maxPages; pageNo++ {
		row, err := scan()
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
		advanced, err := next()
		if err != nil {
			return nil, err
		}
		if !advanced {
			break
		}
	}
	return nil, nil
}

// scanRows looks for the wanted key among the visible rows. A transient
// read failure counts as an empty page; the walk moves on.
func (d *Driver) scanRows(frame *rod.Page, want string) (*rod.Element, error) {
	rows, err := frame.Timeout(10 * time.Second).Elements("tr.ev_row")
	if err != nil {
		return nil, nil
	}
	for _, row := range rows {
		cells, cellErr := row.Elements("td")
		if cellErr != nil || len(cells) < 3 {
			continue
		}
		got := matching.PendingRequirement{
			TipoDoc:  mustText(cells[0]),
			Elemento: mustText(cells[1]),
			Empresa:  mustText(cells[2]),
		}
		if got.ItemKey() == want {
			return row, nil
		}
	}
	return nil, nil
}

func mustText(el *rod.Element) string {
	txt, err := el.Text()
	if err != nil {
		return ""
	}
	return txt
}

// openUploadForm activates the row's upload control and waits for the form.
func (d *Driver) openUploadForm(frame *rod.Page, row *rod.Element) error {
	ctl, err := row.Timeout(5 * time.Second).Element(`a.adjuntar, a[title*="djuntar"], img[src*="adjuntar"], input[type="button"]`)
	if err != nil {
		// Some portal skins open the form by double-clicking the row.
		if dblErr := row.Click(proto.InputMouseButtonLeft, 2); dblErr != nil {
			return autoerr.Exec(autoerr.CodeExecItemNotFound,
				"pending row has no reachable upload control").WithCause(err)
		}
	} else if clickErr := ctl.Click(proto.InputMouseButtonLeft, 1); clickErr != nil {
		return fmt.Errorf("open upload form: %w", clickErr)
	}
	return frame.Timeout(15 * time.Second).WaitLoad()
}

// fillUploadForm attaches the file and fills the rule's date fields.
func (d *Driver) fillUploadForm(frame *rod.Page, req UploadRequest) error {
	form := req.Rule.Form
	uploadSel := form.UploadField
	if uploadSel == "" {
		uploadSel = `input[type="file"]`
	}
	fileInput, err := frame.Timeout(10 * time.Second).Element(uploadSel)
	if err != nil {
		return fmt.Errorf("upload field %s: %w", uploadSel, err)
	}
	if err := fileInput.SetFiles([]string{req.FilePath}); err != nil {
		return fmt.Errorf("attach file: %w", err)
	}

	for selector, role := range form.DateFields {
		value := dateFieldValue(role, req.Dates)
		if value == "" {
			continue
		}
		el, fieldErr := frame.Timeout(5 * time.Second).Element(selector)
		if fieldErr != nil {
			return fmt.Errorf("date field %s: %w", selector, fieldErr)
		}
		if selErr := el.SelectAllText(); selErr == nil {
			_ = el.Input("")
		}
		if inErr := el.Input(value); inErr != nil {
			return fmt.Errorf("fill date field %s: %w", selector, inErr)
		}
	}
	return nil
}

// dateFieldValue renders the validity date for a declared field role in the
// portal's DD/MM/YYYY convention.
func dateFieldValue(role string, v UploadDates) string {
	var dt repository.Date
	switch role {
	case "valid_from":
		dt = v.ValidFrom
	case "valid_to":
		dt = v.ValidTo
	case "issue_date":
		dt = v.IssueDate
	default:
		return ""
	}
	if dt.IsZero() {
		return ""
	}
	return dt.Format("02/01/2006")
}

// submitUploadForm clicks submit exactly once and waits the page out. A
// failed wait is not retried: a second click could double-submit.
func (d *Driver) submitUploadForm(frame *rod.Page, form rules.FormSpec) error {
	submitSel := form.SubmitButton
	if submitSel == "" {
		submitSel = `input[type="submit"], button[type="submit"]`
	}
	btn, err := frame.Timeout(10 * time.Second).Element(submitSel)
	if err != nil {
		return fmt.Errorf("submit button %s: %w", submitSel, err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	if err := frame.Timeout(30 * time.Second).WaitLoad(); err != nil {
		d.log.Warnw("post-submit wait did not settle", "error", err)
	}
	return nil
}

// verifyUploaded confirms the submission took: the rule's confirmation text
// appears, or the item left the pending grid.
func (d *Driver) verifyUploaded(frame *rod.Page, req UploadRequest) error {
	for _, phrase := range req.Rule.Form.ConfirmationText {
		if containsText(frame, textnorm.Normalize(phrase)) {
			return nil
		}
	}

	if err := d.WaitGridReady(frame, 15*time.Second); err == nil {
		rows, rowErr := ExtractPendingRows(frame)
		if rowErr == nil {
			want := req.Pending.ItemKey()
			for _, row := range rows {
				if row.ItemKey() == want {
					return autoerr.Post(autoerr.CodePostUploadNotVerified,
						fmt.Sprintf("item %q still pending after submit", want))
				}
			}
			return nil
		}
	}
	return autoerr.Post(autoerr.CodePostUploadNotVerified,
		"no confirmation text and the grid could not be re-read")
}
