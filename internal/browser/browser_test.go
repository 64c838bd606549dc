package browser

import (
	"errors"
	"testing"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caebridge/internal/matching"
	"caebridge/internal/repository"
)

func TestAllowed(t *testing.T) {
	allowed := []string{"egestiona.example", "cdn.egestiona.example"}

	assert.True(t, Allowed("https://egestiona.example/login", allowed))
	assert.True(t, Allowed("https://app.egestiona.example/grid", allowed), "subdomains stay inside")
	assert.True(t, Allowed("about:blank", nil))
	assert.True(t, Allowed("", allowed))

	assert.False(t, Allowed("https://evil.example/phish", allowed))
	assert.False(t, Allowed("https://egestiona.example.evil.example/", allowed), "suffix spoof blocked")
	assert.False(t, Allowed("https://egestiona.example/ok", nil), "empty list allows nothing")
	assert.False(t, Allowed("::notaurl::", allowed))
}

func TestPickFramePriority(t *testing.T) {
	frames := []FrameInfo{
		{Name: "menu", URL: "https://p/menu.asp", HasGridHeader: true},
		{Name: "f2", URL: "https://p/buscador.asp?Apartado_ID=3"},
		{Name: "f3", URL: "https://p/otros.asp"},
	}
	assert.Equal(t, 2, PickFrame(frames), "f3 wins over everything")

	frames[2].Name = "f9"
	assert.Equal(t, 1, PickFrame(frames), "buscador URL is second priority")

	frames[1].URL = "https://p/gestion_documental/pendientes.asp"
	assert.Equal(t, 1, PickFrame(frames), "keyword match third")

	frames[1].URL = "https://p/nada.asp"
	assert.Equal(t, 0, PickFrame(frames), "grid header is the last resort")

	assert.Equal(t, -1, PickFrame([]FrameInfo{{Name: "x", URL: "https://p/x"}}))
	assert.Equal(t, -1, PickFrame(nil))
}

func TestGridStateReadiness(t *testing.T) {
	assert.True(t, GridState{HeaderPresent: true, HasDataRow: true}.Ready())
	assert.True(t, GridState{HeaderPresent: true, HasNoResults: true}.Ready())
	assert.False(t, GridState{SpinnerVisible: true, HeaderPresent: true, HasDataRow: true}.Ready())
	assert.False(t, GridState{HasDataRow: true}.Ready(), "no header, not ready")

	assert.True(t, GridState{HeaderPresent: true}.HeaderOnly())
	assert.False(t, GridState{HeaderPresent: true, HasDataRow: true}.HeaderOnly())
	assert.False(t, GridState{SpinnerVisible: true, HeaderPresent: true}.HeaderOnly())
}

func row(tipo, elem, emp string) matching.PendingRequirement {
	return matching.PendingRequirement{TipoDoc: tipo, Elemento: elem, Empresa: emp}
}

func TestCollectPagesStopsOnRepeatedSignature(t *testing.T) {
	// Page 3 claims hasNext but re-serves page 2's content.
	pages := map[int]struct {
		rows []matching.PendingRequirement
		sig  string
	}{
		1: {[]matching.PendingRequirement{row("TC2", "Juan", "ACME")}, "sig-1"},
		2: {[]matching.PendingRequirement{row("ITA", "Grua", "ACME")}, "sig-2"},
		3: {[]matching.PendingRequirement{row("ITA", "Grua", "ACME")}, "sig-2"},
	}
	calls := 0
	fetch := func(pageNo int) ([]matching.PendingRequirement, string, bool, error) {
		calls++
		p := pages[pageNo]
		return p.rows, p.sig, true, nil
	}

	out, err := CollectPages(fetch, 50)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 3, calls, "stops right after the repeated signature")
}

func TestCollectPagesHonorsCapAndDedupes(t *testing.T) {
	fetch := func(pageNo int) ([]matching.PendingRequirement, string, bool, error) {
		// Every page repeats one row and adds a fresh one.
		return []matching.PendingRequirement{
			row("TC2", "Juan", "ACME"),
			{TipoDoc: "ITA", Elemento: "Grua", Empresa: "ACME", Meta: map[string]string{"page": string(rune('0' + pageNo))}},
		}, "", true, nil
	}
	// Meta does not feed ItemKey, so the second row dedupes too.
	out, err := CollectPages(fetch, 4)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "TC2", out[0].TipoDoc, "stable first-seen order")
}

func TestGridSignatureTracksFrameContent(t *testing.T) {
	url := "https://p/buscador.asp?Apartado_ID=3"
	p1 := []matching.PendingRequirement{row("TC2", "Juan", "ACME")}
	p2 := []matching.PendingRequirement{row("ITA", "Grua", "ACME")}

	assert.Equal(t, GridSignature(url, p1), GridSignature(url, p1))
	assert.NotEqual(t, GridSignature(url, p1), GridSignature(url, p2),
		"in-frame paging changes the signature even under a constant URL")
	assert.NotEqual(t, GridSignature(url, nil), GridSignature("https://p/otro.asp", nil))
}

func TestCollectPagesSurvivesInFramePaging(t *testing.T) {
	// The grid pages inside its frame: the window URL never changes and only
	// the rows distinguish one page from the next. Every page must land.
	pages := [][]matching.PendingRequirement{
		{row("TC2", "Juan", "ACME")},
		{row("ITA", "Grua", "ACME")},
		{row("RC", "ACME", "ACME")},
	}
	fetch := func(pageNo int) ([]matching.PendingRequirement, string, bool, error) {
		rows := pages[pageNo-1]
		return rows, GridSignature("https://p/buscador.asp?Apartado_ID=3", rows), pageNo < len(pages), nil
	}

	out, err := CollectPages(fetch, 10)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestRelocateRewindsBeforeScanning(t *testing.T) {
	// Extraction leaves the pager on the last page; the wanted row lives on
	// page 1 and is only reachable after rewinding.
	pos := 3
	sentinel := &rod.Element{}
	rewound := false

	found, err := relocate(10,
		func() error { rewound = true; pos = 1; return nil },
		func() (*rod.Element, error) {
			if pos == 1 {
				return sentinel, nil
			}
			return nil, nil
		},
		func() (bool, error) { pos++; return pos <= 3, nil },
	)
	require.NoError(t, err)
	assert.True(t, rewound)
	assert.Same(t, sentinel, found)
}

func TestRelocateGivesUpAfterFullWalk(t *testing.T) {
	scans := 0
	found, err := relocate(3,
		func() error { return nil },
		func() (*rod.Element, error) { scans++; return nil, nil },
		func() (bool, error) { return true, nil },
	)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, 3, scans, "walk is bounded by maxPages")
}

func TestCollectPagesStopsWhenNoNext(t *testing.T) {
	fetch := func(pageNo int) ([]matching.PendingRequirement, string, bool, error) {
		return []matching.PendingRequirement{row("TC2", "Juan", "ACME")}, "only", false, nil
	}
	out, err := CollectPages(fetch, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestCollectPagesPropagatesFetchError(t *testing.T) {
	boom := errors.New("frame detached")
	fetch := func(pageNo int) ([]matching.PendingRequirement, string, bool, error) {
		if pageNo == 2 {
			return nil, "", false, boom
		}
		return []matching.PendingRequirement{row("TC2", "Juan", "ACME")}, "s1", true, nil
	}
	out, err := CollectPages(fetch, 10)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, out, 1, "rows gathered before the failure are kept")
}

func TestSignatureDeterminism(t *testing.T) {
	a := Signature("https://p/grid", "Pendientes", []string{"table.hdr", "#menu_lateral"})
	b := Signature("https://p/grid", "Pendientes", []string{"table.hdr", "#menu_lateral"})
	assert.Equal(t, a, b)

	c := Signature("https://p/grid", "Pendientes", []string{"table.hdr"})
	assert.NotEqual(t, a, c, "anchor set is part of the signature")

	d := Signature("https://p/otro", "Pendientes", []string{"table.hdr", "#menu_lateral"})
	assert.NotEqual(t, a, d)
}

func TestParseUnreadCount(t *testing.T) {
	assert.Equal(t, 3, ParseUnreadCount("Comunicados  No leído: 3  de 7"))
	assert.Equal(t, 0, ParseUnreadCount("No leido: 0"))
	assert.Equal(t, 12, ParseUnreadCount("NO LEÍDO 12"))
	assert.Equal(t, -1, ParseUnreadCount("sin comunicados pendientes"))
	assert.Equal(t, -1, ParseUnreadCount(""))
}

func TestBlockerTitleClassification(t *testing.T) {
	assert.True(t, IsNewsTitle("Avisos importantes"))
	assert.True(t, IsNewsTitle("COMUNICADOS"))
	assert.True(t, IsNewsTitle("Últimas noticias"))
	assert.False(t, IsNewsTitle("Subida de documentos"))

	assert.True(t, IsBlockerTitle("Aviso de seguridad"))
	assert.False(t, IsBlockerTitle("Pendientes de entrega"))
}

func TestDateFieldValue(t *testing.T) {
	dates := UploadDates{
		ValidFrom: repository.NewDate(2023, 5, 1),
		ValidTo:   repository.NewDate(2023, 6, 30),
	}
	assert.Equal(t, "01/05/2023", dateFieldValue("valid_from", dates))
	assert.Equal(t, "30/06/2023", dateFieldValue("valid_to", dates))
	assert.Equal(t, "", dateFieldValue("issue_date", dates), "zero date renders empty")
	assert.Equal(t, "", dateFieldValue("bogus_role", dates))
}
