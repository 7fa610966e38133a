package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diagnoseai/diagnoseai/internal/domain/identity"
	"github.com/diagnoseai/diagnoseai/internal/domain/patient"
	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/blobstore"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
	"github.com/diagnoseai/diagnoseai/internal/platform/export"
	"github.com/diagnoseai/diagnoseai/internal/platform/generator"
	"github.com/diagnoseai/diagnoseai/internal/platform/imaging"
)

// Patients resolves a patient reference for its owner.
type Patients interface {
	Get(ctx context.Context, owner, id uuid.UUID) (*patient.Patient, error)
}

// Authors resolves the user named on exported reports.
type Authors interface {
	Get(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

// Options tunes the lifecycle controller.
type Options struct {
	// AITimeout bounds one generator call.
	AITimeout time.Duration
	// MaxUploadBytes bounds one stored image.
	MaxUploadBytes int64
}

// Service is the case lifecycle controller.
type Service struct {
	repo      Repository
	patients  Patients
	authors   Authors
	tx        db.TxRunner
	store     blobstore.Store
	gen       generator.Generator
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
	validator func(path string) (*imaging.Info, error)
}

func NewService(repo Repository, patients Patients, authors Authors, tx db.TxRunner, store blobstore.Store,
	gen generator.Generator, opts Options, logger zerolog.Logger) *Service {
	if opts.AITimeout <= 0 {
		opts.AITimeout = 120 * time.Second
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	return &Service{
		repo:      repo,
		patients:  patients,
		authors:   authors,
		tx:        tx,
		store:     store,
		gen:       gen,
		opts:      opts,
		logger:    logger.With().Str("component", "cases").Logger(),
		now:       time.Now,
		validator: imaging.Validate,
	}
}

// -- Creation --

func (in *CreateCaseInput) normalize() {
	trim := strings.TrimSpace
	in.StudyType = trim(in.StudyType)
	in.BodyPart = trim(in.BodyPart)
	in.Indication = trim(in.Indication)
	in.ClinicalHistory = trim(in.ClinicalHistory)
	in.ReferringPhysician = trim(in.ReferringPhysician)
	in.Priority = strings.ToLower(trim(in.Priority))
	in.ClinicalNotes = trim(in.ClinicalNotes)
	if in.PatientID != nil {
		if in.StudyType == "" {
			in.StudyType = DefaultStudyType
		}
		if in.Priority == "" {
			in.Priority = DefaultPriority
		}
	}
}

func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		if min == 0 {
			return apperr.Validation(field, "must be at most %d characters", max)
		}
		return apperr.Validation(field, "must be between %d and %d characters", min, max)
	}
	return nil
}

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if a == value {
			return nil
		}
	}
	return apperr.Validation(field, "must be one of %s", strings.Join(allowed, ", "))
}

func (in *CreateCaseInput) validate() error {
	if in.PatientID == nil {
		return checkLength("clinical_notes", in.ClinicalNotes, 10, 2000)
	}
	for _, err := range []error{
		checkLength("indication", in.Indication, 10, 500),
		checkLength("clinical_history", in.ClinicalHistory, 0, 1000),
		checkLength("body_part", in.BodyPart, 0, 100),
		checkLength("referring_physician", in.ReferringPhysician, 0, 100),
		oneOf("study_type", in.StudyType, StudyTypes),
		oneOf("priority", in.Priority, Priorities),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateCase stores the image, persists the case and runs generation once.
// Generation failures never fail the call: the case ends in ai_failed and
// the result carries a warning. Storage and database failures before the
// case is committed remove the stored file.
func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput) (*CreateResult, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.PatientID != nil {
		if _, err := s.patients.Get(ctx, in.Owner, *in.PatientID); err != nil {
			if apperr.IsNotFound(err) {
				return nil, err
			}
			return nil, apperr.Persistence("create case", err)
		}
	}

	allowed := imaging.LegacyExtensions
	if in.PatientID != nil {
		allowed = imaging.CaseExtensions
	}
	if strings.TrimSpace(in.Filename) == "" || in.Image == nil {
		return nil, apperr.Validation("image", "no image was uploaded")
	}
	if !imaging.AllowedExtension(in.Filename, allowed) {
		return nil, apperr.Validation("image", "file type not allowed, use one of: %s", strings.Join(allowed, ", "))
	}

	stored, err := s.store.Save(ctx, in.Owner.String(), in.Filename, in.Image, s.opts.MaxUploadBytes)
	if err != nil {
		return nil, s.saveError(err)
	}
	abs, err := s.store.Abs(stored.Path)
	if err == nil {
		_, err = s.validator(abs)
	}
	if err != nil {
		s.removeFile(stored.Path, in.Owner, uuid.Nil, "create_case")
		return nil, apperr.Validation("image", "invalid image")
	}

	c := &Case{
		UserID:             in.Owner,
		PatientID:          in.PatientID,
		ImageFilename:      stored.Filename,
		ImagePath:          stored.Path,
		ClinicalNotes:      in.ClinicalNotes,
		StudyType:          in.StudyType,
		BodyPart:           in.BodyPart,
		Indication:         in.Indication,
		ClinicalHistory:    in.ClinicalHistory,
		ReferringPhysician: in.ReferringPhysician,
		Priority:           in.Priority,
		Status:             StatusCreated,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, c)
	})
	if err != nil {
		s.removeFile(stored.Path, in.Owner, uuid.Nil, "create_case")
		return nil, apperr.Persistence("create case", err)
	}
	s.logger.Info().Str("case_id", c.ID.String()).Str("user_id", in.Owner.String()).
		Str("case_number", c.CaseNumber).Int64("size", stored.Size).Str("sha256", stored.SHA256).
		Msg("case created")

	if in.PatientID != nil {
		if err := s.repo.SetStatus(ctx, c.ID, StatusProcessing); err != nil {
			s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("could not mark case processing")
		} else {
			c.Status = StatusProcessing
		}
	}

	warning := s.runGeneration(ctx, c, "create_case")
	return &CreateResult{Case: c, Warning: warning}, nil
}

func (s *Service) saveError(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return apperr.Validation("image", "file is larger than %d MB", s.opts.MaxUploadBytes>>20)
	case errors.Is(err, blobstore.ErrEmptyFile):
		return apperr.Validation("image", "file is empty")
	case errors.Is(err, blobstore.ErrMissingFileName):
		return apperr.Validation("image", "no image was uploaded")
	}
	return apperr.Persistence("store image", err)
}

// runGeneration calls the generator once for a committed case and records
// the outcome. It returns a user-facing warning when no draft was stored.
func (s *Service) runGeneration(ctx context.Context, c *Case, op string) string {
	payload, text, genErr := s.generate(ctx, c)
	if genErr == nil && strings.TrimSpace(text) == "" {
		genErr = &generator.Error{Kind: generator.KindBadResponse, Msg: "empty draft"}
	}
	if genErr != nil {
		err := s.finish(ctx, c, StatusAIFailed, nil)
		if apperr.IsState(err) {
			s.logger.Info().Err(genErr).Str("case_id", c.ID.String()).Str("status", string(c.Status)).
				Str("operation", op).Msg("case already resolved; generation failure discarded")
			return ""
		}
		s.reportGeneratorFailure(c, op, genErr)
		if err != nil {
			s.logger.Error().Err(err).Str("case_id", c.ID.String()).Str("operation", op).
				Msg("could not record generation failure")
		}
		return generationWarning(genErr)
	}

	rep := &Report{CaseID: c.ID, DraftJSON: payload, DraftText: text}
	err := s.finish(ctx, c, StatusDraftReady, rep)
	if apperr.IsState(err) {
		s.logger.Info().Str("case_id", c.ID.String()).Str("status", string(c.Status)).
			Str("operation", op).Msg("case already resolved; draft discarded")
		return ""
	}
	if err != nil {
		s.logger.Error().Err(err).Str("case_id", c.ID.String()).Str("user_id", c.UserID.String()).
			Str("operation", op).Msg("could not store draft report")
		return "The case was saved but the draft report could not be stored. It will be retried."
	}
	return ""
}

// generate runs the generator detached from request cancellation and bounded
// by the AI timeout. A panic in the adapter is returned as an error.
func (s *Service) generate(ctx context.Context, c *Case) (payload json.RawMessage, text string, err error) {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AITimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()

	abs, err := s.store.Abs(c.ImagePath)
	if err != nil {
		return nil, "", err
	}
	return s.gen.Generate(gctx, abs, c.ClinicalContext().String())
}

// finish applies the post-generation transition in one transaction. The
// transition is checked against the locked row, not c, because generation
// can outlast another run that already resolved the case. A case that is no
// longer awaiting generation yields a StateError and c is refreshed.
func (s *Service) finish(ctx context.Context, c *Case, to Status, rep *Report) error {
	err := s.tx.WithTx(context.WithoutCancel(ctx), func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, c.UserID, c.ID)
		if err != nil {
			return err
		}
		if !current.Status.AwaitingGeneration() {
			c.Status, c.Report = current.Status, current.Report
			return apperr.State("case %s is already %s", c.CaseNumber, current.Status)
		}
		if err := ValidateTransition(current.Status, to); err != nil {
			return err
		}
		if rep != nil {
			if err := s.repo.CreateReport(ctx, rep); err != nil {
				return err
			}
		}
		return s.repo.SetStatus(ctx, c.ID, to)
	})
	if err != nil {
		return err
	}
	c.Status = to
	c.Report = rep
	return nil
}

func (s *Service) reportGeneratorFailure(c *Case, op string, err error) {
	kind := generator.Classify(err)
	errorKind := "generator"
	if kind == "unclassified" {
		errorKind = "unclassified"
	}
	s.logger.Error().Err(err).
		Str("case_id", c.ID.String()).
		Str("user_id", c.UserID.String()).
		Str("operation", op).
		Str("error_kind", errorKind).
		Str("generator_kind", kind).
		Msg("report generation failed")

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("case_id", c.ID.String())
		scope.SetTag("operation", op)
		scope.SetTag("error_kind", errorKind)
		hub.CaptureException(err)
	})
}

func generationWarning(err error) string {
	var ge *generator.Error
	if errors.As(err, &ge) {
		switch ge.Kind {
		case generator.KindConfig:
			return "The case was saved, but the AI service is not configured. No draft report was generated."
		case generator.KindUnavailable:
			return "The case was saved, but the AI service is unavailable. No draft report was generated."
		case generator.KindBadResponse:
			return "The case was saved, but the AI service returned an unusable response. No draft report was generated."
		}
	}
	return "The case was saved, but an unexpected error stopped the AI draft. No draft report was generated."
}

// -- Report editing --

// SaveReport stores text as the report's final text. With finalize the report
// becomes immutable and the case completes.
func (s *Service) SaveReport(ctx context.Context, owner, caseID uuid.UUID, text string, finalize bool) (*Case, error) {
	text = strings.TrimSpace(text)
	var out *Case
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, owner, caseID)
		if err != nil {
			return err
		}
		if c.Report == nil {
			return apperr.NotFound("report")
		}
		if c.Report.IsFinalized {
			return apperr.State("report is already finalized")
		}
		if err := checkLength("report_text", text, MinReportLength, MaxReportLength); err != nil {
			return err
		}
		to := StatusDraftEdited
		if finalize {
			to = StatusCompleted
		}
		if err := ValidateTransition(c.Status, to); err != nil {
			return err
		}

		rep := *c.Report
		rep.FinalText = &text
		if finalize {
			now := s.now().UTC()
			rep.IsFinalized = true
			rep.FinalizedAt = &now
		}
		if err := s.repo.UpdateReport(ctx, &rep); err != nil {
			return err
		}
		if err := s.repo.SetStatus(ctx, c.ID, to); err != nil {
			return err
		}
		c.Report = &rep
		c.Status = to
		out = c
		return nil
	})
	if err != nil {
		return nil, domainError("save report", err)
	}
	event := "report draft saved"
	if finalize {
		event = "report finalized"
	}
	s.logger.Info().Str("case_id", caseID.String()).Str("user_id", owner.String()).Msg(event)
	return out, nil
}

// -- Reads --

func (s *Service) GetCase(ctx context.Context, owner, id uuid.UUID) (*Case, error) {
	c, err := s.repo.Get(ctx, owner, id)
	if err != nil {
		return nil, domainError("get case", err)
	}
	return c, nil
}

func (s *Service) ListCases(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*Case, int, error) {
	list, total, err := s.repo.ListByOwner(ctx, owner, limit, offset)
	if err != nil {
		return nil, 0, apperr.Persistence("list cases", err)
	}
	return list, total, nil
}

// CasesForPatient lists a patient's cases for the registry detail view.
func (s *Service) CasesForPatient(ctx context.Context, owner, patientID uuid.UUID) ([]patient.CaseSummary, error) {
	list, err := s.repo.ListByPatient(ctx, owner, patientID)
	if err != nil {
		return nil, apperr.Persistence("list patient cases", err)
	}
	out := make([]patient.CaseSummary, 0, len(list))
	for _, c := range list {
		out = append(out, patient.CaseSummary{
			ID:         c.ID,
			CaseNumber: c.CaseNumber,
			StudyType:  c.StudyType,
			BodyPart:   c.BodyPart,
			Priority:   c.Priority,
			Status:     string(c.Status),
			CreatedAt:  c.CreatedAt,
		})
	}
	return out, nil
}

// Dashboard counts the owner's cases. Completed counts finalized reports and
// everything else is pending review.
func (s *Service) Dashboard(ctx context.Context, owner uuid.UUID) (*Dashboard, error) {
	counts, err := s.repo.StatusCounts(ctx, owner)
	if err != nil {
		return nil, apperr.Persistence("dashboard", err)
	}
	d := &Dashboard{ByStatus: make(map[Status]int, len(Statuses))}
	for _, st := range Statuses {
		d.ByStatus[st] = 0
	}
	for _, sc := range counts {
		d.ByStatus[sc.Status] += sc.Cases
		d.Total += sc.Cases
		d.Completed += sc.Finalized
	}
	d.PendingReview = d.Total - d.Completed
	d.Failed = d.ByStatus[StatusAIFailed]
	return d, nil
}

// OpenImage returns the stored image of an owned case.
func (s *Service) OpenImage(ctx context.Context, owner, id uuid.UUID) (io.ReadCloser, string, error) {
	c, err := s.GetCase(ctx, owner, id)
	if err != nil {
		return nil, "", err
	}
	f, err := s.store.Open(c.ImagePath)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, "", apperr.NotFound("image")
	}
	if err != nil {
		return nil, "", apperr.Persistence("open image", err)
	}
	return f, imaging.ContentType(c.ImageFilename), nil
}

// -- Deletion --

// DeleteCase removes the case row (and its report) in a transaction, then
// removes the image. A missing or unremovable file is logged only.
func (s *Service) DeleteCase(ctx context.Context, owner, id uuid.UUID) error {
	var path string
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		path, err = s.repo.Delete(ctx, owner, id)
		return err
	})
	if err != nil {
		return domainError("delete case", err)
	}
	s.removeFile(path, owner, id, "delete_case")
	s.logger.Info().Str("case_id", id.String()).Str("user_id", owner.String()).Msg("case deleted")
	return nil
}

func (s *Service) removeFile(path string, owner, caseID uuid.UUID, op string) {
	if err := s.store.Remove(path); err != nil {
		ev := s.logger.Warn().Err(err).Str("user_id", owner.String()).Str("operation", op).Str("path", path)
		if caseID != uuid.Nil {
			ev = ev.Str("case_id", caseID.String())
		}
		ev.Msg("could not remove image file")
	}
}

// -- Export --

func (s *Service) ExportText(ctx context.Context, owner, id uuid.UUID) (*Export, error) {
	doc, err := s.exportDocument(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return &Export{
		Filename:    export.TextFilename(doc.CaseNumber),
		ContentType: "text/plain; charset=utf-8",
		Body:        export.Text(*doc),
	}, nil
}

func (s *Service) ExportPDF(ctx context.Context, owner, id uuid.UUID) (*Export, error) {
	doc, err := s.exportDocument(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	body, err := export.PDF(*doc)
	if err != nil {
		return nil, apperr.Persistence("render pdf", err)
	}
	return &Export{Filename: export.PDFFilename(doc.CaseNumber), ContentType: "application/pdf", Body: body}, nil
}

// exportDocument loads an owned case whose report is finalized.
func (s *Service) exportDocument(ctx context.Context, owner, id uuid.UUID) (*export.ReportDocument, error) {
	c, err := s.GetCase(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if c.Report == nil {
		return nil, apperr.NotFound("report")
	}
	if !c.Report.IsFinalized {
		return nil, apperr.State("the report must be finalized before it can be exported")
	}

	doc := &export.ReportDocument{
		CaseNumber:         c.CaseNumber,
		StudyType:          c.StudyType,
		BodyPart:           c.BodyPart,
		Priority:           c.Priority,
		ReferringPhysician: c.ReferringPhysician,
		Indication:         c.Indication,
		CreatedAt:          c.CreatedAt,
		Text:               c.Report.CurrentText(),
	}
	if c.Report.FinalizedAt != nil {
		doc.FinalizedAt = *c.Report.FinalizedAt
	}
	if c.PatientID != nil {
		if p, err := s.patients.Get(ctx, owner, *c.PatientID); err == nil {
			doc.PatientName = p.FullName()
			doc.PatientID = p.PatientID
		} else {
			s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("export without patient details")
		}
	}
	if s.authors != nil {
		if u, err := s.authors.Get(ctx, owner); err == nil {
			doc.Author = u.DisplayName()
		}
	}
	return doc, nil
}

// -- Recovery --

// RecoverStuck retries generation once for every case still awaiting it
// whose last update is older than olderThan. It returns how many cases ended
// with a draft.
func (s *Service) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := s.repo.ListAwaitingGeneration(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, apperr.Persistence("list stuck cases", err)
	}
	recovered := 0
	for _, c := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		s.logger.Info().Str("case_id", c.ID.String()).Str("status", string(c.Status)).Msg("retrying generation")
		if s.runGeneration(ctx, c, "recover_case") == "" {
			recovered++
		}
	}
	return recovered, nil
}

// domainError passes through errors callers act on and hides storage causes.
func domainError(op string, err error) error {
	if apperr.IsNotFound(err) || apperr.IsValidation(err) || apperr.IsState(err) {
		return err
	}
	return apperr.Persistence(op, err)
}
