package patient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, patient_id, first_name, last_name, date_of_birth, gender,
	phone, email, address, emergency_contact, emergency_phone,
	medical_record_number, insurance_info, created_by, created_at, updated_at`

// errDuplicatePatientID is what a 23505 on patients_patient_id_key maps to.
var errDuplicatePatientID = apperr.Validation("patient_id", "patient ID already exists")

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (
			id, patient_id, first_name, last_name, date_of_birth, gender,
			phone, email, address, emergency_contact, emergency_phone,
			medical_record_number, insurance_info, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.FirstName, p.LastName, p.DateOfBirth, p.Gender,
		p.Phone, p.Email, p.Address, p.EmergencyContact, p.EmergencyPhone,
		p.MedicalRecordNumber, p.InsuranceInfo, p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, "patients_patient_id_key") {
		return errDuplicatePatientID
	}
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, owner, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1 AND created_by = $2`, id, owner))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient")
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *repoPG) PatientIDTaken(ctx context.Context, patientID string, except uuid.UUID) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patients WHERE patient_id = $1 AND id <> $2)`, patientID, except,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("patient id check: %w", err)
	}
	return taken, nil
}

func (r *repoPG) List(ctx context.Context, owner uuid.UUID, search string, limit, offset int) ([]*Patient, int, error) {
	where := `created_by = $1`
	args := []any{owner}
	if s := strings.TrimSpace(search); s != "" {
		args = append(args, "%"+escapeLike(s)+"%")
		where += ` AND (patient_id ILIKE $2 OR first_name ILIKE $2 OR last_name ILIKE $2
			OR medical_record_number ILIKE $2)`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient count: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM patients WHERE %s ORDER BY last_name, first_name LIMIT $%d OFFSET $%d`,
		patientCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patient list: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			patient_id=$3, first_name=$4, last_name=$5, date_of_birth=$6, gender=$7,
			phone=$8, email=$9, address=$10, emergency_contact=$11, emergency_phone=$12,
			medical_record_number=$13, insurance_info=$14, updated_at=NOW()
		WHERE id = $1 AND created_by = $2
		RETURNING updated_at`,
		p.ID, p.CreatedBy,
		p.PatientID, p.FirstName, p.LastName, p.DateOfBirth, p.Gender,
		p.Phone, p.Email, p.Address, p.EmergencyContact, p.EmergencyPhone,
		p.MedicalRecordNumber, p.InsuranceInfo,
	).Scan(&p.UpdatedAt)
	switch {
	case db.IsNoRows(err):
		return apperr.NotFound("patient")
	case db.IsUniqueViolation(err, "patients_patient_id_key"):
		return errDuplicatePatientID
	case err != nil:
		return fmt.Errorf("patient update: %w", err)
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, owner, id uuid.UUID) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT image_path FROM cases WHERE patient_id = $1 AND user_id = $2`, id, owner)
	if err != nil {
		return nil, fmt.Errorf("patient delete: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("patient delete: %w", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1 AND created_by = $2`, id, owner)
	if err != nil {
		return nil, fmt.Errorf("patient delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.NotFound("patient")
	}
	return paths, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.PatientID, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Gender,
		&p.Phone, &p.Email, &p.Address, &p.EmergencyContact, &p.EmergencyPhone,
		&p.MedicalRecordNumber, &p.InsuranceInfo, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
