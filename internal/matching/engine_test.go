package matching

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caebridge/internal/config"
	"caebridge/internal/history"
	"caebridge/internal/learning"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
)

var pdfBytes = []byte("%PDF-1.4\nfake body for tests\n%%EOF\n")

type fixture struct {
	engine *Engine
	repo   *repository.Store
	hints  *learning.Store
	hist   *history.Store
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	repo, err := repository.NewStore(filepath.Join(dir, "repo"))
	require.NoError(t, err)
	repo.SetClock(func() repository.Date {
		return repository.NewDate(2023, time.June, 15)
	})

	ruleStore, err := rules.NewStore(dir)
	require.NoError(t, err)
	hintStore, err := learning.NewStore(dir)
	require.NoError(t, err)
	histStore, err := history.NewStore(dir)
	require.NoError(t, err)

	catalogs := &config.Catalogs{
		Companies: []config.Company{{Key: "acme", Name: "ACME S.L."}},
		People: []config.Person{
			{Key: "juan.garcia", GivenName: "Juan", Surname: "García López", DNI: "12345678Z", CompanyKey: "acme"},
			{Key: "ana.perez", GivenName: "Ana", Surname: "Pérez", DNI: "87654321X", CompanyKey: "acme"},
		},
	}

	return &fixture{
		engine: &Engine{Repo: repo, Rules: ruleStore, Hints: hintStore, History: histStore, Catalogs: catalogs},
		repo:   repo,
		hints:  hintStore,
		hist:   histStore,
		dir:    dir,
	}
}

func (f *fixture) addReceiptType(t *testing.T) {
	t.Helper()
	require.NoError(t, f.repo.CreateType(&repository.DocumentType{
		TypeID:          "T104_AUTONOMOS_RECEIPT",
		Name:            "Recibo cuota autónomos",
		Scope:           repository.ScopeWorker,
		PeriodKind:      repository.PeriodMonth,
		PlatformAliases: []string{"T205.0", "cuota autónomos"},
		Validity: repository.ValidityPolicy{
			Mode:    repository.ValidityMonthly,
			Basis:   repository.BasisIssueDate,
			NMonths: 2,
		},
		ValidityStartMode: repository.StartModeManual,
		Active:            true,
	}))
}

func (f *fixture) uploadReceipt(t *testing.T, personKey, periodKey string) *repository.DocumentInstance {
	t.Helper()
	doc, err := f.repo.Upload(repository.UploadRequest{
		FileName:   "recibo_" + periodKey + ".pdf",
		Content:    pdfBytes,
		TypeID:     "T104_AUTONOMOS_RECEIPT",
		CompanyKey: "acme",
		PersonKey:  personKey,
		IssueDate:  repository.NewDate(2023, time.May, 1),
		PeriodKey:  periodKey,
	})
	require.NoError(t, err)
	status := repository.StatusReadyToSubmit
	doc, err = f.repo.UpdateDocument(doc.DocID, repository.DocumentUpdate{Status: &status})
	require.NoError(t, err)
	return doc
}

func pendingReceipt() PendingRequirement {
	return PendingRequirement{
		TipoDoc:  "T205.0 Último Recibo cuota Autónomos",
		Elemento: "García López, Juan (12345678Z)",
		Empresa:  "ACME S.L.",
	}
}

func TestAutoUploadHappyPath(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	doc := f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})

	assert.Equal(t, DecisionAutoUpload, res.Decision)
	assert.Equal(t, ReasonMatchOK, res.ReasonCode)
	require.NotNil(t, res.Doc)
	assert.Equal(t, doc.DocID, res.Doc.DocID)
	assert.Equal(t, "T104_AUTONOMOS_RECEIPT", res.TypeID)
	assert.Equal(t, "auto_matching", res.Source)
	assert.GreaterOrEqual(t, res.Confidence, 0.9)
	assert.Equal(t, "t205.0", res.Debug.Inputs.DetectedCode)
	assert.Equal(t, "12345678z", res.Debug.Inputs.DetectedDNI)
}

func TestMissingDocForPeriodIsExplicit(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	f.uploadReceipt(t, "juan.garcia", "2023-04")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})

	assert.Equal(t, DecisionReviewRequired, res.Decision)
	assert.Equal(t, ReasonMissingDocForPeriod, res.ReasonCode)
	assert.Equal(t, "T104_AUTONOMOS_RECEIPT", res.TypeID)
}

func TestNoLocalMatch(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)

	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: PendingRequirement{
		TipoDoc:  "Certificado de andamios homologados",
		Elemento: "ACME S.L.",
		Empresa:  "ACME S.L.",
	}})
	assert.Equal(t, DecisionNoMatch, res.Decision)
	assert.Equal(t, ReasonNoLocalMatch, res.ReasonCode)
}

func TestInactiveTypeReported(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	_, err := f.repo.ToggleActive("T104_AUTONOMOS_RECEIPT")
	require.NoError(t, err)

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p})
	assert.Equal(t, DecisionNoMatch, res.Decision)
	assert.Equal(t, ReasonTypeInactive, res.ReasonCode)
}

func TestPeriodInferredFromPendingText(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	doc := f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.TipoDoc = "T205.0 Último Recibo cuota Autónomos Mayo 2023"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})

	assert.Equal(t, "2023-05", res.PeriodKey)
	assert.Equal(t, DecisionAutoUpload, res.Decision)
	require.NotNil(t, res.Doc)
	assert.Equal(t, doc.DocID, res.Doc.DocID)
}

func TestAliasSeedMatchesWithoutSetup(t *testing.T) {
	f := newFixture(t)
	// Type declares only one seed member; the pending uses another.
	require.NoError(t, f.repo.CreateType(&repository.DocumentType{
		TypeID:          "T104_AUTONOMOS_RECEIPT",
		Name:            "Recibo cuota autónomos",
		Scope:           repository.ScopeWorker,
		PeriodKind:      repository.PeriodMonth,
		PlatformAliases: []string{"T104.0"},
		Validity:        repository.ValidityPolicy{Mode: repository.ValidityMonthly, Basis: repository.BasisIssueDate, NMonths: 2},
		Active:          true,
	}))
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})
	assert.Equal(t, DecisionAutoUpload, res.Decision)
}

func TestScopeMismatch(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{
		PlatformKey: "egestiona",
		Pending:     p,
		CompanyKey:  "acme",
		PersonKey:   "ana.perez", // pending belongs to juan.garcia
	})
	assert.Equal(t, DecisionNoMatch, res.Decision)
	assert.Equal(t, ReasonScopeMismatch, res.ReasonCode)
}

func TestAmbiguousWhenTopTwoClose(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	// Two equally ready documents for the same person and period.
	d1 := f.uploadReceipt(t, "juan.garcia", "2023-05")
	d2 := f.uploadReceipt(t, "juan.garcia", "2023-05")
	require.NotEqual(t, d1.DocID, d2.DocID)

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})
	assert.Equal(t, DecisionReviewRequired, res.Decision)
	assert.Equal(t, ReasonAmbiguousMatch, res.ReasonCode)
	assert.Equal(t, 2, res.Debug.Outcome.LocalDocsConsidered)
}

func TestMissingLocalFile(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	doc := f.uploadReceipt(t, "juan.garcia", "2023-05")
	require.NoError(t, os.Remove(filepath.Join(f.repo.Root(), doc.StoredPath)))

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})
	assert.Equal(t, DecisionReviewRequired, res.Decision)
	assert.Equal(t, ReasonMissingLocalFile, res.ReasonCode)
}

func TestSkipAlreadySubmitted(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	fp := p.Fingerprint("egestiona", "2023-05")
	rec, err := f.hist.Append(&history.Record{
		PlatformKey:        "egestiona",
		PendingFingerprint: fp,
		PendingSnapshot:    history.PendingSnapshot{TipoDoc: p.TipoDoc, Elemento: p.Elemento, Empresa: p.Empresa},
		Action:             history.ActionPlanned,
		RunID:              "run1",
	})
	require.NoError(t, err)
	_, err = f.hist.UpdateAction(rec.RecordID, history.ActionSubmitted, "")
	require.NoError(t, err)

	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})
	assert.Equal(t, DecisionSkipSubmitted, res.Decision)
	assert.Equal(t, ReasonSkipSubmitted, res.ReasonCode)
}

func TestSkipAlreadyPlannedInOtherRun(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	_, err := f.hist.Append(&history.Record{
		PlatformKey:        "egestiona",
		PendingFingerprint: p.Fingerprint("egestiona", "2023-05"),
		PendingSnapshot:    history.PendingSnapshot{TipoDoc: p.TipoDoc, Elemento: p.Elemento, Empresa: p.Empresa},
		Action:             history.ActionPlanned,
		RunID:              "runA",
	})
	require.NoError(t, err)

	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme", ActiveRunID: "runB"})
	assert.Equal(t, DecisionSkipPlanned, res.Decision)
	assert.Equal(t, ReasonSkipPlanned, res.ReasonCode)

	// The same run re-matching its own planned item is not a skip.
	res = f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme", ActiveRunID: "runA"})
	assert.Equal(t, DecisionAutoUpload, res.Decision)
}

func TestHintResolvesAndDisableReverts(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	// Two candidates would otherwise be ambiguous.
	d1 := f.uploadReceipt(t, "juan.garcia", "2023-05")
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	in := Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"}

	res := f.engine.Match(in)
	require.Equal(t, DecisionReviewRequired, res.Decision)

	h, _, err := f.hints.Add(&learning.Hint{
		PlatformKey:     "egestiona",
		ItemFingerprint: p.ItemFingerprint(),
		Mapping:         learning.LearnedMapping{TypeIDExpected: "T104_AUTONOMOS_RECEIPT", LocalDocID: d1.DocID},
		Strength:        learning.StrengthExact,
	})
	require.NoError(t, err)

	res = f.engine.Match(in)
	assert.Equal(t, DecisionAutoUpload, res.Decision)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "learning_hint_resolved", res.Source)
	require.NotNil(t, res.Doc)
	assert.Equal(t, d1.DocID, res.Doc.DocID)
	require.Len(t, res.Debug.AppliedHints, 1)
	assert.Equal(t, learning.EffectResolved, res.Debug.AppliedHints[0].Effect)

	// Disabling the hint reverts the resolution.
	require.NoError(t, f.hints.Disable(h.HintID, "operator says no"))
	res = f.engine.Match(in)
	assert.Equal(t, DecisionReviewRequired, res.Decision)
	require.Len(t, res.Debug.AppliedHints, 1)
	assert.Equal(t, learning.EffectIgnored, res.Debug.AppliedHints[0].Effect)
}

func TestSecondHintDowngradesToBoost(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	d1 := f.uploadReceipt(t, "juan.garcia", "2023-05")
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	for _, docID := range []string{d1.DocID, "other-doc"} {
		_, _, err := f.hints.Add(&learning.Hint{
			PlatformKey:     "egestiona",
			ItemFingerprint: p.ItemFingerprint(),
			Mapping:         learning.LearnedMapping{TypeIDExpected: "T104_AUTONOMOS_RECEIPT", LocalDocID: docID},
			Strength:        learning.StrengthExact,
		})
		require.NoError(t, err)
	}

	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})
	// The boost on d1 breaks the tie deterministically.
	assert.Equal(t, DecisionAutoUpload, res.Decision)
	require.NotNil(t, res.Doc)
	assert.Equal(t, d1.DocID, res.Doc.DocID)
	for _, a := range res.Debug.AppliedHints {
		assert.Equal(t, learning.EffectBoosted, a.Effect)
	}
}

func TestFingerprintCollision(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	_, err := f.hist.Append(&history.Record{
		PlatformKey:        "egestiona",
		PendingFingerprint: p.Fingerprint("egestiona", "2023-05"),
		PendingSnapshot:    history.PendingSnapshot{TipoDoc: "Seguro de convenio", Elemento: p.Elemento, Empresa: p.Empresa},
		Action:             history.ActionSubmitted,
	})
	require.NoError(t, err)

	res := f.engine.Match(Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"})
	assert.Equal(t, DecisionReviewRequired, res.Decision)
	assert.Equal(t, ReasonFingerprintCollision, res.ReasonCode)
}

func TestDeterminism(t *testing.T) {
	f := newFixture(t)
	f.addReceiptType(t)
	f.uploadReceipt(t, "juan.garcia", "2023-05")

	p := pendingReceipt()
	p.PeriodKey = "2023-05"
	in := Input{PlatformKey: "egestiona", Pending: p, CompanyKey: "acme"}

	first := f.engine.Match(in)
	for i := 0; i < 5; i++ {
		again := f.engine.Match(in)
		assert.Equal(t, first.Decision, again.Decision)
		assert.Equal(t, first.ReasonCode, again.ReasonCode)
		assert.Equal(t, first.Confidence, again.Confidence)
		assert.Equal(t, first.Fingerprint, again.Fingerprint)
	}
}
