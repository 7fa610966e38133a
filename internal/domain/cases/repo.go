package cases

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists cases and their reports. Owner-scoped methods report
// another user's case as apperr.NotFoundError.
type Repository interface {
	// Create inserts c and assigns ID and CaseNumber.
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, owner, id uuid.UUID) (*Case, error)
	// GetForUpdate is Get with the case and report rows locked until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, owner, id uuid.UUID) (*Case, error)
	ListByOwner(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*Case, int, error)
	ListByPatient(ctx context.Context, owner, patientID uuid.UUID) ([]*Case, error)
	// ListAwaitingGeneration returns cases of any owner still created or
	// processing and last touched before cutoff.
	ListAwaitingGeneration(ctx context.Context, cutoff time.Time) ([]*Case, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	CreateReport(ctx context.Context, r *Report) error
	UpdateReport(ctx context.Context, r *Report) error
	// Delete removes the case (the report cascades) and returns its image path.
	Delete(ctx context.Context, owner, id uuid.UUID) (string, error)
	StatusCounts(ctx context.Context, owner uuid.UUID) ([]StatusCount, error)
}
