package cases

import (
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/diagnoseai/diagnoseai/internal/platform/generator"
)

// Study types and priorities offered by the patient-backed upload flow.
var (
	StudyTypes = []string{"Ultrasound", "X-Ray", "CT Scan", "MRI", "Mammography", "Nuclear Medicine"}
	Priorities = []string{"routine", "urgent", "stat"}
)

const (
	DefaultStudyType = "Ultrasound"
	DefaultPriority  = "routine"
)

// Report text bounds enforced on every save.
const (
	MinReportLength = 10
	MaxReportLength = 5000
)

// Case is one imaging episode. Report is nil until generation succeeds.
type Case struct {
	ID                 uuid.UUID  `json:"id"`
	CaseNumber         string     `json:"case_number"`
	UserID             uuid.UUID  `json:"user_id"`
	PatientID          *uuid.UUID `json:"patient_id,omitempty"`
	ImageFilename      string     `json:"image_filename"`
	ImagePath          string     `json:"-"`
	ClinicalNotes      string     `json:"clinical_notes,omitempty"`
	StudyType          string     `json:"study_type,omitempty"`
	BodyPart           string     `json:"body_part,omitempty"`
	Indication         string     `json:"indication,omitempty"`
	ClinicalHistory    string     `json:"clinical_history,omitempty"`
	ReferringPhysician string     `json:"referring_physician,omitempty"`
	Priority           string     `json:"priority,omitempty"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Report             *Report    `json:"report,omitempty"`
}

// ClinicalContext is what the generator sees besides the image.
func (c *Case) ClinicalContext() generator.ClinicalContext {
	return generator.ClinicalContext{
		StudyType:          c.StudyType,
		BodyPart:           c.BodyPart,
		Indication:         c.Indication,
		ClinicalHistory:    c.ClinicalHistory,
		ReferringPhysician: c.ReferringPhysician,
		Priority:           c.Priority,
		Notes:              c.ClinicalNotes,
	}
}

// Report is the single report attached to a case.
type Report struct {
	ID          uuid.UUID       `json:"id"`
	CaseID      uuid.UUID       `json:"case_id"`
	DraftJSON   json.RawMessage `json:"-"`
	DraftText   string          `json:"draft_text"`
	FinalText   *string         `json:"final_text,omitempty"`
	IsFinalized bool            `json:"is_finalized"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CurrentText is the edited text when there is one, else the AI draft.
func (r *Report) CurrentText() string {
	if r.FinalText != nil {
		return *r.FinalText
	}
	return r.DraftText
}

// CreateCaseInput covers both upload flows. Setting PatientID selects the
// patient-backed flow; otherwise ClinicalNotes is required.
type CreateCaseInput struct {
	Owner              uuid.UUID
	PatientID          *uuid.UUID
	StudyType          string
	BodyPart           string
	Indication         string
	ClinicalHistory    string
	ReferringPhysician string
	Priority           string
	ClinicalNotes      string
	Filename           string
	Image              io.Reader
}

// CreateResult is the outcome of CreateCase. Warning is set when the case
// was saved but no draft could be produced.
type CreateResult struct {
	Case    *Case  `json:"case"`
	Warning string `json:"warning,omitempty"`
}

// StatusCount is one row of the per-owner status breakdown.
type StatusCount struct {
	Status    Status
	Cases     int
	Finalized int
}

// Dashboard aggregates an owner's cases.
type Dashboard struct {
	Total         int            `json:"total"`
	Completed     int            `json:"completed"`
	PendingReview int            `json:"pending_review"`
	Failed        int            `json:"failed"`
	ByStatus      map[Status]int `json:"by_status"`
}

// Export is a rendered download.
type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}
