package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists patients. Every read and write is scoped to the owning
// user; a record owned by someone else behaves as missing.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, owner, id uuid.UUID) (*Patient, error)
	// PatientIDTaken checks the external identifier across all owners,
	// ignoring the record except (uuid.Nil to check everything).
	PatientIDTaken(ctx context.Context, patientID string, except uuid.UUID) (bool, error)
	List(ctx context.Context, owner uuid.UUID, search string, limit, offset int) ([]*Patient, int, error)
	Update(ctx context.Context, p *Patient) error
	// Delete removes the patient and, by cascade, its cases and reports. It
	// returns the stored image paths of the removed cases.
	Delete(ctx context.Context, owner, id uuid.UUID) ([]string, error)
}
