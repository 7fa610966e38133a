package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

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

// Optional text columns are stored as NULL and read back as "".
const caseCols = `id, case_number, user_id, patient_id, image_filename, image_path, clinical_notes,
	COALESCE(study_type, ''), COALESCE(body_part, ''), COALESCE(indication, ''),
	COALESCE(clinical_history, ''), COALESCE(referring_physician, ''), COALESCE(priority, ''),
	status, created_at, updated_at`

const reportCols = `id, case_id, draft_json, draft_text, final_text, is_finalized, finalized_at,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, c *Case) error {
	c.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cases (
			id, case_number, user_id, patient_id, image_filename, image_path, clinical_notes,
			study_type, body_part, indication, clinical_history, referring_physician, priority, status
		) VALUES (
			$1, 'RAD-' || LPAD(nextval('case_number_seq')::text, 6, '0'), $2, $3, $4, $5, $6,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13
		)
		RETURNING case_number, created_at, updated_at`,
		c.ID, c.UserID, c.PatientID, c.ImageFilename, c.ImagePath, c.ClinicalNotes,
		c.StudyType, c.BodyPart, c.Indication, c.ClinicalHistory, c.ReferringPhysician, c.Priority, string(c.Status),
	).Scan(&c.CaseNumber, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("case create: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, owner, id uuid.UUID) (*Case, error) {
	return r.get(ctx, owner, id, "")
}

func (r *repoPG) GetForUpdate(ctx context.Context, owner, id uuid.UUID) (*Case, error) {
	return r.get(ctx, owner, id, " FOR UPDATE")
}

func (r *repoPG) get(ctx context.Context, owner, id uuid.UUID, lock string) (*Case, error) {
	c, err := scanCase(r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE id = $1 AND user_id = $2`+lock, id, owner))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("case")
	}
	if err != nil {
		return nil, fmt.Errorf("case get: %w", err)
	}
	rep, err := scanReport(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reportCols+` FROM reports WHERE case_id = $1`+lock, id))
	switch {
	case db.IsNoRows(err):
	case err != nil:
		return nil, fmt.Errorf("report get: %w", err)
	default:
		c.Report = rep
	}
	return c, nil
}

func (r *repoPG) ListByOwner(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*Case, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cases WHERE user_id = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("case count: %w", err)
	}
	list, err := r.list(ctx, `SELECT `+caseCols+` FROM cases WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, owner, patientID uuid.UUID) ([]*Case, error) {
	return r.list(ctx, `SELECT `+caseCols+` FROM cases WHERE user_id = $1 AND patient_id = $2
		ORDER BY created_at DESC`, owner, patientID)
}

func (r *repoPG) ListAwaitingGeneration(ctx context.Context, cutoff time.Time) ([]*Case, error) {
	return r.list(ctx, `SELECT `+caseCols+` FROM cases WHERE status IN ('created', 'processing')
		AND updated_at < $1 ORDER BY updated_at`, cutoff)
}

// list runs a case query and attaches reports with a second query.
func (r *repoPG) list(ctx context.Context, query string, args ...any) ([]*Case, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("case list: %w", err)
	}
	defer rows.Close()

	var out []*Case
	byID := make(map[uuid.UUID]*Case)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("case list: %w", err)
		}
		out = append(out, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("case list: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]uuid.UUID, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ID)
	}
	rrows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM reports WHERE case_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("report list: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		rep, err := scanReport(rrows)
		if err != nil {
			return nil, fmt.Errorf("report list: %w", err)
		}
		if c := byID[rep.CaseID]; c != nil {
			c.Report = rep
		}
	}
	return out, rrows.Err()
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE cases SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("case set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("case")
	}
	return nil
}

func (r *repoPG) CreateReport(ctx context.Context, rep *Report) error {
	rep.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reports (id, case_id, draft_json, draft_text, final_text, is_finalized, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		rep.ID, rep.CaseID, jsonArg(rep.DraftJSON), rep.DraftText, rep.FinalText, rep.IsFinalized, rep.FinalizedAt,
	).Scan(&rep.CreatedAt, &rep.UpdatedAt)
	if db.IsUniqueViolation(err, "reports_case_id_key") {
		return apperr.State("case already has a report")
	}
	if err != nil {
		return fmt.Errorf("report create: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateReport(ctx context.Context, rep *Report) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE reports SET final_text = $2, is_finalized = $3, finalized_at = $4, updated_at = NOW()
		WHERE id = $1 AND NOT is_finalized
		RETURNING updated_at`,
		rep.ID, rep.FinalText, rep.IsFinalized, rep.FinalizedAt,
	).Scan(&rep.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.State("report is already finalized")
	}
	if err != nil {
		return fmt.Errorf("report update: %w", err)
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, owner, id uuid.UUID) (string, error) {
	var path string
	err := r.conn(ctx).QueryRow(ctx,
		`DELETE FROM cases WHERE id = $1 AND user_id = $2 RETURNING image_path`, id, owner).Scan(&path)
	if db.IsNoRows(err) {
		return "", apperr.NotFound("case")
	}
	if err != nil {
		return "", fmt.Errorf("case delete: %w", err)
	}
	return path, nil
}

func (r *repoPG) StatusCounts(ctx context.Context, owner uuid.UUID) ([]StatusCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.status, COUNT(*), COUNT(r.id) FILTER (WHERE r.is_finalized)
		FROM cases c LEFT JOIN reports r ON r.case_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.status`, owner)
	if err != nil {
		return nil, fmt.Errorf("case stats: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var raw string
		var sc StatusCount
		if err := rows.Scan(&raw, &sc.Cases, &sc.Finalized); err != nil {
			return nil, fmt.Errorf("case stats: %w", err)
		}
		if sc.Status, err = ParseStatus(raw); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var status string
	err := row.Scan(
		&c.ID, &c.CaseNumber, &c.UserID, &c.PatientID, &c.ImageFilename, &c.ImagePath, &c.ClinicalNotes,
		&c.StudyType, &c.BodyPart, &c.Indication, &c.ClinicalHistory, &c.ReferringPhysician, &c.Priority,
		&status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	var payload []byte
	err := row.Scan(
		&rep.ID, &rep.CaseID, &payload, &rep.DraftText, &rep.FinalText, &rep.IsFinalized, &rep.FinalizedAt,
		&rep.CreatedAt, &rep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rep.DraftJSON = payload
	return &rep, nil
}

// jsonArg stores the generator payload byte for byte. The column is TEXT so
// Postgres never reorders keys or drops whitespace.
func jsonArg(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}
