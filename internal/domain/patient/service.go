package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
)

// ImageFiles removes stored case images.
type ImageFiles interface {
	Remove(path string) error
}

type Service struct {
	repo   Repository
	tx     db.TxRunner
	files  ImageFiles
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, files ImageFiles, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		files:  files,
		logger: logger.With().Str("component", "patient").Logger(),
		now:    time.Now,
	}
}

func (s *Service) Create(ctx context.Context, owner uuid.UUID, in Input) (*Patient, error) {
	p := &Patient{CreatedBy: owner}
	if err := in.apply(p, s.now()); err != nil {
		return nil, err
	}
	taken, err := s.repo.PatientIDTaken(ctx, p.PatientID, uuid.Nil)
	if err != nil {
		return nil, apperr.Persistence("create patient", err)
	}
	if taken {
		return nil, errDuplicatePatientID
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, wrap("create patient", err)
	}
	s.logger.Info().Str("user_id", owner.String()).Str("patient_id", p.ID.String()).Msg("patient registered")
	return p, nil
}

func (s *Service) Get(ctx context.Context, owner, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.Get(ctx, owner, id)
	if err != nil {
		return nil, wrap("get patient", err)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, owner uuid.UUID, search string, limit, offset int) ([]*Patient, int, error) {
	patients, total, err := s.repo.List(ctx, owner, search, limit, offset)
	if err != nil {
		return nil, 0, apperr.Persistence("list patients", err)
	}
	return patients, total, nil
}

func (s *Service) Update(ctx context.Context, owner, id uuid.UUID, in Input) (*Patient, error) {
	p, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := in.apply(p, s.now()); err != nil {
		return nil, err
	}
	taken, err := s.repo.PatientIDTaken(ctx, p.PatientID, p.ID)
	if err != nil {
		return nil, apperr.Persistence("update patient", err)
	}
	if taken {
		return nil, errDuplicatePatientID
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, wrap("update patient", err)
	}
	return p, nil
}

// Delete removes the patient with its cases and reports in one transaction,
// then removes the cases' images. A file that cannot be removed is logged and
// left behind.
func (s *Service) Delete(ctx context.Context, owner, id uuid.UUID) error {
	var paths []string
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		paths, err = s.repo.Delete(ctx, owner, id)
		return err
	})
	if err != nil {
		return wrap("delete patient", err)
	}
	for _, path := range paths {
		if err := s.files.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("user_id", owner.String()).Str("patient_id", id.String()).
				Str("operation", "delete_patient").Str("path", path).Msg("could not remove case image")
		}
	}
	s.logger.Info().Str("user_id", owner.String()).Str("patient_id", id.String()).
		Int("cases_removed", len(paths)).Msg("patient deleted")
	return nil
}

// wrap passes through errors that are meaningful to callers and hides the
// rest behind a PersistenceError.
func wrap(op string, err error) error {
	if apperr.IsNotFound(err) || apperr.IsValidation(err) {
		return err
	}
	return apperr.Persistence(op, err)
}
