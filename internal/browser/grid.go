package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"caebridge/internal/autoerr"
	"caebridge/internal/logging"
	"caebridge/internal/matching"
	"caebridge/internal/textnorm"
)

// FrameInfo describes one candidate frame for grid selection.
type FrameInfo struct {
	Name          string
	URL           string
	HasGridHeader bool
}

// frameKeywords are the URL fragments that mark document-management frames.
var frameKeywords = []string{"subcontratas", "documento", "gestion_documental", "pendiente"}

// PickFrame applies the deterministic priority order and returns the index
// of the chosen frame, or -1.
func PickFrame(frames []FrameInfo) int {
	for i, f := range frames {
		if f.Name == "f3" {
			return i
		}
	}
	for i, f := range frames {
		if strings.Contains(f.URL, "buscador.asp?Apartado_ID=3") {
			return i
		}
	}
	for i, f := range frames {
		low := strings.ToLower(f.URL)
		for _, kw := range frameKeywords {
			if strings.Contains(low, kw) {
				return i
			}
		}
	}
	for i, f := range frames {
		if f.HasGridHeader {
			return i
		}
	}
	return -1
}

// GridFrame locates the pending-grid frame on the current page.
func (d *Driver) GridFrame() (*rod.Page, error) {
	iframes, err := d.page.Timeout(10 * time.Second).Elements("iframe, frame")
	if err != nil {
		return nil, fmt.Errorf("enumerate frames: %w", err)
	}

	infos := make([]FrameInfo, 0, len(iframes))
	pages := make([]*rod.Page, 0, len(iframes))
	for _, el := range iframes {
		frame, frameErr := el.Frame()
		if frameErr != nil {
			continue
		}
		info := FrameInfo{}
		if name, attrErr := el.Attribute("name"); attrErr == nil && name != nil {
			info.Name = *name
		}
		if pi, infoErr := frame.Info(); infoErr == nil {
			info.URL = pi.URL
		}
		if hdr, hdrErr := frame.Timeout(500 * time.Millisecond).Element("table.hdr"); hdrErr == nil && hdr != nil {
			info.HasGridHeader = true
		}
		infos = append(infos, info)
		pages = append(pages, frame)
	}

	idx := PickFrame(infos)
	if idx < 0 {
		// Portals sometimes render the grid without frames at all.
		if hdr, hdrErr := d.page.Timeout(time.Second).Element("table.hdr"); hdrErr == nil && hdr != nil {
			return d.page, nil
		}
		return nil, autoerr.Exec(autoerr.CodeExecGridNotReached, "no frame matches the pending-grid priority order")
	}
	return pages[idx], nil
}

// GridState is one readiness observation.
type GridState struct {
	SpinnerVisible bool
	HeaderPresent  bool
	HasDataRow     bool
	HasNoResults   bool
}

// Ready applies the readiness rule: spinner gone, header present, and
// either data or an explicit empty indicator.
func (g GridState) Ready() bool {
	return !g.SpinnerVisible && g.HeaderPresent && (g.HasDataRow || g.HasNoResults)
}

// HeaderOnly reports the retry-worthy half-loaded state.
func (g GridState) HeaderOnly() bool {
	return !g.SpinnerVisible && g.HeaderPresent && !g.HasDataRow && !g.HasNoResults
}

func observeGrid(frame *rod.Page) GridState {
	g := GridState{}
	probe := func(sel string) bool {
		el, err := frame.Timeout(400 * time.Millisecond).Element(sel)
		if err != nil || el == nil {
			return false
		}
		visible, vErr := el.Visible()
		return vErr == nil && visible
	}
	g.SpinnerVisible = probe(`.spinner, .loading, #loading, img[src*="cargando"]`)
	g.HeaderPresent = probe("table.hdr")
	g.HasDataRow = probe("table.hdr ~ table tr.ev_row, table.obj tr.ev_row, tr.ev_row")
	g.HasNoResults = probe(".no_results, .sin_resultados") || containsText(frame, "no se han encontrado")
	return g
}

func containsText(frame *rod.Page, needle string) bool {
	res, err := frame.Timeout(400 * time.Millisecond).Eval(
		`(needle) => document.body && document.body.innerText.toLowerCase().includes(needle)`, needle)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// WaitGridReady polls until the grid is ready; a header-only state earns a
// single bounded retry before giving up.
func (d *Driver) WaitGridReady(frame *rod.Page, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	retried := false
	for {
		g := observeGrid(frame)
		if g.Ready() {
			return nil
		}
		if time.Now().After(deadline) {
			if g.HeaderOnly() && !retried {
				retried = true
				deadline = time.Now().Add(timeout)
				continue
			}
			return autoerr.Exec(autoerr.CodeExecGridNotReached,
				fmt.Sprintf("grid not ready after %s: %+v", timeout, g))
		}
		time.Sleep(300 * time.Millisecond)
	}
}

// GridSignature fingerprints one grid page from the frame URL and the row
// keys in display order. The grid paginates inside its frame without
// touching the top page, so the loop guard must watch the frame content,
// not the window URL.
func GridSignature(frameURL string, rows []matching.PendingRequirement) string {
	fields := make([]string, 0, len(rows)+1)
	fields = append(fields, frameURL)
	for _, row := range rows {
		fields = append(fields, row.ItemKey())
	}
	return textnorm.Fingerprint(fields...)
}

// PageFetch returns one page of rows plus its screen signature and whether
// a usable next-page control exists.
type PageFetch func(pageNo int) (rows []matching.PendingRequirement, signature string, hasNext bool, err error)

// CollectPages enumerates grid pages with the loop guard: stop when next is
// absent, the cap is hit, or the signature repeats. Rows are deduplicated by
// pending_item_key in stable order.
func CollectPages(fetch PageFetch, maxPages int) ([]matching.PendingRequirement, error) {
	var out []matching.PendingRequirement
	seen := make(map[string]bool)
	prevSig := ""

	for pageNo := 1; ; pageNo++ {
		if maxPages > 0 && pageNo > maxPages {
			break
		}
		rows, sig, hasNext, err := fetch(pageNo)
		if err != nil {
			return out, err
		}
		if sig != "" && sig == prevSig {
			logging.Get(logging.CategoryBrowser).Warnw("pagination loop guard tripped",
				"page", pageNo, "signature", sig)
			break
		}
		prevSig = sig

		for _, row := range rows {
			key := row.ItemKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, row)
		}
		if !hasNext {
			break
		}
	}
	return out, nil
}

// ExtractPendingRows reads the visible grid rows into pending requirements.
// Column order on the portal family: tipo, elemento, empresa.
func ExtractPendingRows(frame *rod.Page) ([]matching.PendingRequirement, error) {
	res, err := frame.Timeout(10 * time.Second).Eval(`() => {
		const rows = Array.from(document.querySelectorAll("tr.ev_row"));
		return rows.map(tr => {
			const cells = Array.from(tr.querySelectorAll("td")).map(td => td.innerText.trim());
			return { tipo: cells[0] || "", elemento: cells[1] || "", empresa: cells[2] || "" };
		});
	}`)
	if err != nil {
		return nil, fmt.Errorf("extract rows: %w", err)
	}

	var raw []struct {
		Tipo     string `json:"tipo"`
		Elemento string `json:"elemento"`
		Empresa  string `json:"empresa"`
	}
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &raw); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}

	out := make([]matching.PendingRequirement, 0, len(raw))
	for _, r := range raw {
		if r.Tipo == "" && r.Elemento == "" && r.Empresa == "" {
			continue
		}
		out = append(out, matching.PendingRequirement{
			TipoDoc: r.Tipo, Elemento: r.Elemento, Empresa: r.Empresa,
		})
	}
	return out, nil
}

// FirstPage rewinds the pagination to the first grid page. Portals without
// a first-page control are walked back one page at a time; single-page
// grids have neither control and return immediately.
func (d *Driver) FirstPage(frame *rod.Page, maxPages int) error {
	if el, err := frame.Timeout(time.Second).Element(`a.paginador_primera, a[title="Primera"], input[name="primera"]`); err == nil && el != nil {
		if clickErr := el.Click(proto.InputMouseButtonLeft, 1); clickErr == nil {
			return d.WaitGridReady(frame, 15*time.Second)
		}
	}
	for i := 0; i < maxPages; i++ {
		el, err := frame.Timeout(time.Second).Element(`a.paginador_anterior, a[title="Anterior"], input[name="anterior"]`)
		if err != nil || el == nil {
			return nil
		}
		if disabled, attrErr := el.Attribute("disabled"); attrErr == nil && disabled != nil {
			return nil
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click previous page: %w", err)
		}
		if err := d.WaitGridReady(frame, 15*time.Second); err != nil {
			return err
		}
	}
	return nil
}

// NextPage advances the grid pagination; returns false when the control is
// absent or disabled.
func (d *Driver) NextPage(frame *rod.Page) (bool, error) {
	el, err := frame.Timeout(time.Second).Element(`a.paginador_siguiente, a[title="Siguiente"], input[name="siguiente"]`)
	if err != nil || el == nil {
		return false, nil
	}
	if disabled, attrErr := el.Attribute("disabled"); attrErr == nil && disabled != nil {
		return false, nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, fmt.Errorf("click next page: %w", err)
	}
	return true, d.WaitGridReady(frame, 15*time.Second)
}
