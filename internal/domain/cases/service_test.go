package cases

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diagnoseai/diagnoseai/internal/domain/identity"
	"github.com/diagnoseai/diagnoseai/internal/domain/patient"
	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/blobstore"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
	"github.com/diagnoseai/diagnoseai/internal/platform/generator"
)

// -- Mock Case Repository --

type mockRepo struct {
	cases     map[uuid.UUID]*Case
	reports   map[uuid.UUID]*Report // by case id
	history   map[uuid.UUID][]Status
	seq       int
	createErr error
	reportErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		cases:   make(map[uuid.UUID]*Case),
		reports: make(map[uuid.UUID]*Report),
		history: make(map[uuid.UUID][]Status),
	}
}

func (m *mockRepo) Create(_ context.Context, c *Case) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	c.ID = uuid.New()
	c.CaseNumber = fmt.Sprintf("RAD-%06d", m.seq)
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.cases[c.ID] = &cp
	m.history[c.ID] = []Status{c.Status}
	return nil
}

func (m *mockRepo) load(id uuid.UUID) *Case {
	c := *m.cases[id]
	if r, ok := m.reports[id]; ok {
		rc := *r
		c.Report = &rc
	}
	return &c
}

func (m *mockRepo) Get(_ context.Context, owner, id uuid.UUID) (*Case, error) {
	c, ok := m.cases[id]
	if !ok || c.UserID != owner {
		return nil, apperr.NotFound("case")
	}
	return m.load(id), nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, owner, id uuid.UUID) (*Case, error) {
	return m.Get(ctx, owner, id)
}

func (m *mockRepo) ListByOwner(_ context.Context, owner uuid.UUID, limit, offset int) ([]*Case, int, error) {
	var out []*Case
	for id, c := range m.cases {
		if c.UserID == owner {
			out = append(out, m.load(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseNumber > out[j].CaseNumber })
	return out, len(out), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, owner, patientID uuid.UUID) ([]*Case, error) {
	var out []*Case
	for id, c := range m.cases {
		if c.UserID == owner && c.PatientID != nil && *c.PatientID == patientID {
			out = append(out, m.load(id))
		}
	}
	return out, nil
}

func (m *mockRepo) ListAwaitingGeneration(_ context.Context, cutoff time.Time) ([]*Case, error) {
	var out []*Case
	for id, c := range m.cases {
		if c.Status.AwaitingGeneration() && c.UpdatedAt.Before(cutoff) {
			out = append(out, m.load(id))
		}
	}
	return out, nil
}

func (m *mockRepo) SetStatus(_ context.Context, id uuid.UUID, status Status) error {
	c, ok := m.cases[id]
	if !ok {
		return apperr.NotFound("case")
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	m.history[id] = append(m.history[id], status)
	return nil
}

func (m *mockRepo) CreateReport(_ context.Context, r *Report) error {
	if m.reportErr != nil {
		return m.reportErr
	}
	if _, ok := m.reports[r.CaseID]; ok {
		return apperr.State("case already has a report")
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.reports[r.CaseID] = &cp
	return nil
}

func (m *mockRepo) UpdateReport(_ context.Context, r *Report) error {
	cur, ok := m.reports[r.CaseID]
	if !ok {
		return apperr.NotFound("report")
	}
	if cur.IsFinalized {
		return apperr.State("report is already finalized")
	}
	cp := *r
	m.reports[r.CaseID] = &cp
	return nil
}

func (m *mockRepo) Delete(_ context.Context, owner, id uuid.UUID) (string, error) {
	c, ok := m.cases[id]
	if !ok || c.UserID != owner {
		return "", apperr.NotFound("case")
	}
	delete(m.cases, id)
	delete(m.reports, id)
	return c.ImagePath, nil
}

func (m *mockRepo) StatusCounts(_ context.Context, owner uuid.UUID) ([]StatusCount, error) {
	byStatus := make(map[Status]*StatusCount)
	for id, c := range m.cases {
		if c.UserID != owner {
			continue
		}
		sc, ok := byStatus[c.Status]
		if !ok {
			sc = &StatusCount{Status: c.Status}
			byStatus[c.Status] = sc
		}
		sc.Cases++
		if r, ok := m.reports[id]; ok && r.IsFinalized {
			sc.Finalized++
		}
	}
	var out []StatusCount
	for _, sc := range byStatus {
		out = append(out, *sc)
	}
	return out, nil
}

// -- Stubs --

type stubGenerator struct {
	payload   json.RawMessage
	text      string
	err       error
	panicWith any
	onCall    func()
	calls     int
	lastPath  string
	lastCtx   string
	ctxErr    error
}

func (g *stubGenerator) Generate(ctx context.Context, imagePath, clinicalContext string) (json.RawMessage, string, error) {
	g.calls++
	g.lastPath = imagePath
	g.lastCtx = clinicalContext
	if g.onCall != nil {
		g.onCall()
	}
	g.ctxErr = ctx.Err()
	if g.panicWith != nil {
		panic(g.panicWith)
	}
	if g.err != nil {
		return nil, "", g.err
	}
	return g.payload, g.text, nil
}

func succeeding() *stubGenerator {
	return &stubGenerator{payload: json.RawMessage(`{"id":"chatcmpl-1"}`), text: "FINDINGS: unremarkable liver."}
}

type stubPatients struct {
	patients map[uuid.UUID]*patient.Patient
}

func (s *stubPatients) Get(_ context.Context, owner, id uuid.UUID) (*patient.Patient, error) {
	p, ok := s.patients[id]
	if !ok || p.CreatedBy != owner {
		return nil, apperr.NotFound("patient")
	}
	return p, nil
}

type stubAuthors struct{}

func (stubAuthors) Get(_ context.Context, id uuid.UUID) (*identity.User, error) {
	title, first, last := "Dr.", "Jane", "Smith"
	return &identity.User{ID: id, Username: "drsmith", Title: &title, FirstName: &first, LastName: &last}, nil
}

type fixture struct {
	svc      *Service
	repo     *mockRepo
	store    *blobstore.FileStore
	gen      *stubGenerator
	patients *stubPatients
	owner    uuid.UUID
}

func newFixture(t *testing.T, gen *stubGenerator) *fixture {
	t.Helper()
	store, err := blobstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	f := &fixture{
		repo:     newMockRepo(),
		store:    store,
		gen:      gen,
		patients: &stubPatients{patients: make(map[uuid.UUID]*patient.Patient)},
		owner:    uuid.New(),
	}
	f.svc = NewService(f.repo, f.patients, stubAuthors{}, db.NoTx{}, store, gen,
		Options{AITimeout: 5 * time.Second, MaxUploadBytes: 1 << 20}, zerolog.Nop())
	return f
}

func (f *fixture) addPatient(owner uuid.UUID) uuid.UUID {
	p := &patient.Patient{ID: uuid.New(), PatientID: "P-" + owner.String()[:8], FirstName: "Ada",
		LastName: "Lovelace", CreatedBy: owner}
	f.patients.patients[p.ID] = p
	return p.ID
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (f *fixture) legacyInput(t *testing.T, name string) CreateCaseInput {
	return CreateCaseInput{
		Owner:         f.owner,
		ClinicalNotes: "abdominal pain, rule out gallstones",
		Filename:      name,
		Image:         bytes.NewReader(pngBytes(t)),
	}
}

func (f *fixture) ownerFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.store.Root(), f.owner.String()))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// -- CreateCase --

func TestCreateCase_GeneratorSuccess(t *testing.T) {
	f := newFixture(t, succeeding())

	res, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Warning != "" {
		t.Errorf("expected no warning, got %q", res.Warning)
	}
	c := res.Case
	if c.Status != StatusDraftReady {
		t.Errorf("expected draft_ready, got %s", c.Status)
	}
	if c.Report == nil || c.Report.DraftText != "FINDINGS: unremarkable liver." || c.Report.IsFinalized {
		t.Fatalf("unexpected report %+v", c.Report)
	}
	if !strings.HasPrefix(c.CaseNumber, "RAD-") {
		t.Errorf("unexpected case number %s", c.CaseNumber)
	}
	if !strings.HasSuffix(c.ImageFilename, "_scan.png") {
		t.Errorf("expected sanitized original name in %s", c.ImageFilename)
	}
	if !strings.Contains(f.gen.lastCtx, "abdominal pain") {
		t.Errorf("expected clinical notes in generator context, got %q", f.gen.lastCtx)
	}
	if _, err := os.Stat(f.gen.lastPath); err != nil {
		t.Errorf("expected generator to receive stored file: %v", err)
	}
	stored, _ := f.repo.Get(context.Background(), f.owner, c.ID)
	if stored.Status != StatusDraftReady || stored.Report == nil {
		t.Errorf("expected persisted draft, got %+v", stored)
	}
}

func TestCreateCase_PatientFlowPassesThroughProcessing(t *testing.T) {
	f := newFixture(t, succeeding())
	pid := f.addPatient(f.owner)

	res, err := f.svc.CreateCase(context.Background(), CreateCaseInput{
		Owner:      f.owner,
		PatientID:  &pid,
		Indication: "right upper quadrant pain",
		BodyPart:   "Abdomen",
		Filename:   "abdomen.png",
		Image:      bytes.NewReader(pngBytes(t)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := res.Case
	if c.StudyType != DefaultStudyType || c.Priority != DefaultPriority {
		t.Errorf("expected defaults, got %s/%s", c.StudyType, c.Priority)
	}
	want := []Status{StatusCreated, StatusProcessing, StatusDraftReady}
	got := f.repo.history[c.ID]
	if len(got) != len(want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
	if !strings.Contains(f.gen.lastCtx, "Indication: right upper quadrant pain") {
		t.Errorf("expected indication in context, got %q", f.gen.lastCtx)
	}
}

func TestCreateCase_GeneratorFailureIsIsolated(t *testing.T) {
	tests := []struct {
		name string
		gen  *stubGenerator
	}{
		{"classified", &stubGenerator{err: &generator.Error{Kind: generator.KindUnavailable, Msg: "status 503"}}},
		{"unclassified", &stubGenerator{err: errors.New("connection reset by peer")}},
		{"panic", &stubGenerator{panicWith: "nil map write"}},
		{"empty text", &stubGenerator{payload: json.RawMessage(`{}`), text: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.gen)
			res, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
			if err != nil {
				t.Fatalf("expected case creation to succeed, got %v", err)
			}
			if res.Case.Status != StatusAIFailed {
				t.Errorf("expected ai_failed, got %s", res.Case.Status)
			}
			if res.Warning == "" {
				t.Error("expected a warning")
			}
			if strings.Contains(res.Warning, "connection reset") || strings.Contains(res.Warning, "503") {
				t.Errorf("warning leaks the raw error: %q", res.Warning)
			}
			if len(f.repo.cases) != 1 {
				t.Fatalf("expected the case to be persisted")
			}
			if len(f.repo.reports) != 0 {
				t.Error("expected no report")
			}
			if len(f.ownerFiles(t)) != 1 {
				t.Error("expected the image to be kept")
			}
		})
	}
}

func TestCreateCase_GenerationIgnoresRequestCancellation(t *testing.T) {
	gen := succeeding()
	f := newFixture(t, gen)
	ctx, cancel := context.WithCancel(context.Background())
	gen.onCall = cancel

	res, err := f.svc.CreateCase(ctx, f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.ctxErr != nil {
		t.Errorf("expected generator context to survive client disconnect, got %v", gen.ctxErr)
	}
	if res.Case.Status != StatusDraftReady {
		t.Errorf("expected draft_ready, got %s", res.Case.Status)
	}
}

func TestCreateCase_InvalidImageIsRemoved(t *testing.T) {
	f := newFixture(t, succeeding())
	in := f.legacyInput(t, "notes.png")
	in.Image = strings.NewReader("this is not an image at all")

	_, err := f.svc.CreateCase(context.Background(), in)
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Message != "invalid image" {
		t.Fatalf("expected invalid image, got %v", err)
	}
	if files := f.ownerFiles(t); len(files) != 0 {
		t.Errorf("expected partial file removed, found %v", files)
	}
	if len(f.repo.cases) != 0 || f.gen.calls != 0 {
		t.Error("expected no case and no generation")
	}
}

func TestCreateCase_RejectsExtension(t *testing.T) {
	f := newFixture(t, succeeding())
	for _, name := range []string{"scan.exe", "scan", "scan.dcm"} {
		_, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, name))
		if !apperr.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestCreateCase_PersistenceFailureRemovesFile(t *testing.T) {
	f := newFixture(t, succeeding())
	f.repo.createErr = errors.New("connection refused")

	_, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	var pe *apperr.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if files := f.ownerFiles(t); len(files) != 0 {
		t.Errorf("expected stored file removed, found %v", files)
	}
	if f.gen.calls != 0 {
		t.Error("generation must not run before the case is committed")
	}
}

func TestCreateCase_ForeignPatient(t *testing.T) {
	f := newFixture(t, succeeding())
	pid := f.addPatient(uuid.New())

	_, err := f.svc.CreateCase(context.Background(), CreateCaseInput{
		Owner:      f.owner,
		PatientID:  &pid,
		Indication: "right upper quadrant pain",
		Filename:   "scan.png",
		Image:      bytes.NewReader(pngBytes(t)),
	})
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCreateCase_MetadataValidation(t *testing.T) {
	f := newFixture(t, succeeding())
	pid := f.addPatient(f.owner)

	tests := []struct {
		name string
		in   CreateCaseInput
	}{
		{"short notes", CreateCaseInput{ClinicalNotes: "pain"}},
		{"short indication", CreateCaseInput{PatientID: &pid, Indication: "pain"}},
		{"bad priority", CreateCaseInput{PatientID: &pid, Indication: "abdominal pain", Priority: "asap"}},
		{"bad study type", CreateCaseInput{PatientID: &pid, Indication: "abdominal pain", StudyType: "PET"}},
		{"long history", CreateCaseInput{PatientID: &pid, Indication: "abdominal pain",
			ClinicalHistory: strings.Repeat("x", 1001)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Owner = f.owner
			tt.in.Filename = "scan.png"
			tt.in.Image = bytes.NewReader(pngBytes(t))
			if _, err := f.svc.CreateCase(context.Background(), tt.in); !apperr.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateCase_SameFilenameNeverCollides(t *testing.T) {
	f := newFixture(t, succeeding())
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	f.store.WithClock(func() time.Time { return fixed })

	a, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Case.ImageFilename == b.Case.ImageFilename {
		t.Fatalf("expected distinct filenames, both %s", a.Case.ImageFilename)
	}
	for _, name := range []string{a.Case.ImageFilename, b.Case.ImageFilename} {
		if !strings.Contains(name, "scan.png") {
			t.Errorf("expected original name in %s", name)
		}
	}
}

// -- SaveReport --

func createDraft(t *testing.T, f *fixture) *Case {
	t.Helper()
	res, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res.Case
}

func TestSaveReport_DraftThenFinalize(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)

	edited, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, "  Edited: small gallstone noted.  ", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if edited.Status != StatusDraftEdited || edited.Report.IsFinalized {
		t.Errorf("expected draft_edited and not finalized, got %s", edited.Status)
	}
	if *edited.Report.FinalText != "Edited: small gallstone noted." {
		t.Errorf("expected trimmed text, got %q", *edited.Report.FinalText)
	}

	if _, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, "Edited again: gallstone.", false); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	done, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, "Final: normal study.", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted || !done.Report.IsFinalized || done.Report.FinalizedAt == nil {
		t.Fatalf("expected completed and finalized, got %+v", done.Report)
	}
	if *done.Report.FinalText != "Final: normal study." {
		t.Errorf("unexpected final text %q", *done.Report.FinalText)
	}
}

func TestSaveReport_FinalizedIsImmutable(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)
	if _, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, "Final: normal study.", true); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for _, finalize := range []bool{false, true} {
		_, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, "Sneaky change after sign-off.", finalize)
		if !apperr.IsState(err) {
			t.Errorf("finalize=%v: expected state error, got %v", finalize, err)
		}
	}
	stored, _ := f.repo.Get(context.Background(), f.owner, c.ID)
	if *stored.Report.FinalText != "Final: normal study." || stored.Status != StatusCompleted {
		t.Errorf("expected report unchanged, got %q / %s", *stored.Report.FinalText, stored.Status)
	}
}

func TestSaveReport_NoReport(t *testing.T) {
	f := newFixture(t, &stubGenerator{err: errors.New("boom")})
	c := createDraft(t, f)

	_, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, "Final: normal study.", true)
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "report" {
		t.Errorf("expected report not found, got %v", err)
	}
}

func TestSaveReport_TextBounds(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)

	for _, text := range []string{"", "   short  ", strings.Repeat("a", MaxReportLength+1)} {
		if _, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, text, true); !apperr.IsValidation(err) {
			t.Errorf("len %d: expected validation error, got %v", len(text), err)
		}
	}
	stored, _ := f.repo.Get(context.Background(), f.owner, c.ID)
	if stored.Status != StatusDraftReady || stored.Report.FinalText != nil {
		t.Error("expected rejected saves to change nothing")
	}
}

func TestOwnershipIsolation(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)
	other := uuid.New()
	ctx := context.Background()

	if _, err := f.svc.GetCase(ctx, other, c.ID); !apperr.IsNotFound(err) {
		t.Errorf("get: expected not found, got %v", err)
	}
	if _, err := f.svc.SaveReport(ctx, other, c.ID, "Final: normal study.", true); !apperr.IsNotFound(err) {
		t.Errorf("save: expected not found, got %v", err)
	}
	if err := f.svc.DeleteCase(ctx, other, c.ID); !apperr.IsNotFound(err) {
		t.Errorf("delete: expected not found, got %v", err)
	}
	if _, _, err := f.svc.OpenImage(ctx, other, c.ID); !apperr.IsNotFound(err) {
		t.Errorf("image: expected not found, got %v", err)
	}
	if _, err := f.svc.ExportText(ctx, other, c.ID); !apperr.IsNotFound(err) {
		t.Errorf("export: expected not found, got %v", err)
	}
	list, total, _ := f.svc.ListCases(ctx, other, 20, 0)
	if total != 0 || len(list) != 0 {
		t.Errorf("expected no cases for other user, got %d", total)
	}
}

// -- Delete --

func TestDeleteCase_RemovesRowReportAndFile(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)

	if err := f.svc.DeleteCase(context.Background(), f.owner, c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.repo.cases) != 0 || len(f.repo.reports) != 0 {
		t.Error("expected case and report removed")
	}
	if files := f.ownerFiles(t); len(files) != 0 {
		t.Errorf("expected image removed, found %v", files)
	}
}

func TestDeleteCase_MissingFileStillDeletes(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)
	abs, _ := f.store.Abs(c.ImagePath)
	os.Remove(abs)

	if err := f.svc.DeleteCase(context.Background(), f.owner, c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.repo.cases) != 0 {
		t.Error("expected case removed")
	}
}

// -- Reads --

func TestDashboard(t *testing.T) {
	f := newFixture(t, succeeding())
	a := createDraft(t, f)
	createDraft(t, f)
	f.gen.err = errors.New("down")
	createDraft(t, f)
	if _, err := f.svc.SaveReport(context.Background(), f.owner, a.ID, "Final: normal study.", true); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	d, err := f.svc.Dashboard(context.Background(), f.owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Total != 3 || d.Completed != 1 || d.PendingReview != 2 || d.Failed != 1 {
		t.Errorf("unexpected dashboard %+v", d)
	}
	if d.ByStatus[StatusDraftReady] != 1 || d.ByStatus[StatusCompleted] != 1 {
		t.Errorf("unexpected per-status counts %v", d.ByStatus)
	}
}

func TestOpenImage(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)

	rc, contentType, err := f.svc.OpenImage(context.Background(), f.owner, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if contentType != "image/png" || !bytes.Equal(body, pngBytes(t)) {
		t.Errorf("unexpected image %s (%d bytes)", contentType, len(body))
	}
}

func TestCasesForPatient(t *testing.T) {
	f := newFixture(t, succeeding())
	pid := f.addPatient(f.owner)
	_, err := f.svc.CreateCase(context.Background(), CreateCaseInput{
		Owner: f.owner, PatientID: &pid, Indication: "follow-up of renal cyst",
		Filename: "kidney.png", Image: bytes.NewReader(pngBytes(t)),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	createDraft(t, f)

	list, err := f.svc.CasesForPatient(context.Background(), f.owner, pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].Status != string(StatusDraftReady) {
		t.Errorf("unexpected summaries %+v", list)
	}
}

// -- Export --

func TestExport_Gating(t *testing.T) {
	f := newFixture(t, succeeding())
	c := createDraft(t, f)
	ctx := context.Background()

	if _, err := f.svc.ExportText(ctx, f.owner, c.ID); !apperr.IsState(err) {
		t.Errorf("draft: expected state error, got %v", err)
	}
	f.gen.err = errors.New("down")
	failed := createDraft(t, f)
	if _, err := f.svc.ExportPDF(ctx, f.owner, failed.ID); !apperr.IsNotFound(err) {
		t.Errorf("no report: expected not found, got %v", err)
	}

	if _, err := f.svc.SaveReport(ctx, f.owner, c.ID, "Final: normal study.", true); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	txt, err := f.svc.ExportText(ctx, f.owner, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txt.Filename != "report_"+c.CaseNumber+".txt" || !strings.Contains(string(txt.Body), "Final: normal study.") {
		t.Errorf("unexpected text export %s", txt.Filename)
	}
	if !strings.Contains(string(txt.Body), "Dr. Jane Smith") {
		t.Error("expected author in export")
	}
	pdf, err := f.svc.ExportPDF(ctx, f.owner, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasPrefix(pdf.Body, []byte("%PDF")) || pdf.ContentType != "application/pdf" {
		t.Error("expected a PDF document")
	}
}

// -- Recovery --

func TestRecoverStuck(t *testing.T) {
	f := newFixture(t, succeeding())
	c := &Case{UserID: f.owner, ImageFilename: "x_scan.png", Status: StatusProcessing, ClinicalNotes: "abdominal pain"}
	stored, err := f.store.Save(context.Background(), f.owner.String(), "scan.png", bytes.NewReader(pngBytes(t)), 1<<20)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	c.ImagePath = stored.Path
	f.repo.Create(context.Background(), c)
	f.repo.cases[c.ID].UpdatedAt = time.Now().Add(-time.Hour)

	fresh := createDraft(t, f)
	f.repo.cases[fresh.ID].Status = StatusCreated

	n, err := f.svc.RecoverStuck(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered case, got %d", n)
	}
	got, _ := f.repo.Get(context.Background(), f.owner, c.ID)
	if got.Status != StatusDraftReady || got.Report == nil {
		t.Errorf("expected recovered draft, got %s", got.Status)
	}
	if f.repo.cases[fresh.ID].Status != StatusCreated {
		t.Error("expected recent case left alone")
	}
}

// onlyCase returns the single case held by the mock repository.
func (f *fixture) onlyCase(t *testing.T) *Case {
	t.Helper()
	if len(f.repo.cases) != 1 {
		t.Fatalf("expected exactly one case, got %d", len(f.repo.cases))
	}
	for _, c := range f.repo.cases {
		return c
	}
	return nil
}

func TestCreateCase_LateFailureDoesNotReopenFinalizedCase(t *testing.T) {
	gen := succeeding()
	f := newFixture(t, gen)
	final := "Final: normal study, signed off."

	gen.onCall = func() {
		if gen.calls != 1 {
			return
		}
		// While the first call is outstanding, recovery drafts the case and
		// the clinician signs it off. Then the first call fails.
		c := f.onlyCase(t)
		c.UpdatedAt = time.Now().Add(-time.Hour)
		if n, err := f.svc.RecoverStuck(context.Background(), 10*time.Minute); err != nil || n != 1 {
			t.Fatalf("expected recovery to draft the case, got %d (%v)", n, err)
		}
		if _, err := f.svc.SaveReport(context.Background(), f.owner, c.ID, final, true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		gen.err = errors.New("provider timeout")
	}

	res, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Case.Status != StatusCompleted {
		t.Errorf("expected returned case to reflect completed, got %s", res.Case.Status)
	}

	got, err := f.repo.Get(context.Background(), f.owner, res.Case.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Report == nil || !got.Report.IsFinalized || *got.Report.FinalText != final {
		t.Errorf("expected finalized report to be untouched, got %+v", got.Report)
	}
	want := []Status{StatusCreated, StatusDraftReady, StatusCompleted}
	history := f.repo.history[res.Case.ID]
	if len(history) != len(want) {
		t.Fatalf("expected history %v, got %v", want, history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("expected history %v, got %v", want, history)
		}
	}
}

func TestCreateCase_LateSuccessKeepsFirstDraft(t *testing.T) {
	gen := succeeding()
	f := newFixture(t, gen)

	gen.onCall = func() {
		if gen.calls != 1 {
			return
		}
		c := f.onlyCase(t)
		c.UpdatedAt = time.Now().Add(-time.Hour)
		gen.text = "FINDINGS: recovered draft."
		if n, err := f.svc.RecoverStuck(context.Background(), 10*time.Minute); err != nil || n != 1 {
			t.Fatalf("expected recovery to draft the case, got %d (%v)", n, err)
		}
		gen.text = "FINDINGS: late draft."
	}

	res, err := f.svc.CreateCase(context.Background(), f.legacyInput(t, "scan.png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Warning != "" {
		t.Errorf("expected no warning, got %q", res.Warning)
	}
	got, _ := f.repo.Get(context.Background(), f.owner, res.Case.ID)
	if got.Status != StatusDraftReady {
		t.Errorf("expected draft_ready, got %s", got.Status)
	}
	if got.Report == nil || got.Report.DraftText != "FINDINGS: recovered draft." {
		t.Errorf("expected the recovered draft to be kept, got %+v", got.Report)
	}
}
