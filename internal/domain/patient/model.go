package patient

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
)

// Patient is a demographic record. PatientID is the externally assigned
// identifier and is unique across all users; ID is the internal key.
type Patient struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           string     `db:"patient_id" json:"patient_id"`
	FirstName           string     `db:"first_name" json:"first_name"`
	LastName            string     `db:"last_name" json:"last_name"`
	DateOfBirth         *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender              *string    `db:"gender" json:"gender,omitempty"`
	Phone               *string    `db:"phone" json:"phone,omitempty"`
	Email               *string    `db:"email" json:"email,omitempty"`
	Address             *string    `db:"address" json:"address,omitempty"`
	EmergencyContact    *string    `db:"emergency_contact" json:"emergency_contact,omitempty"`
	EmergencyPhone      *string    `db:"emergency_phone" json:"emergency_phone,omitempty"`
	MedicalRecordNumber *string    `db:"medical_record_number" json:"medical_record_number,omitempty"`
	InsuranceInfo       *string    `db:"insurance_info" json:"insurance_info,omitempty"`
	CreatedBy           uuid.UUID  `db:"created_by" json:"created_by"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

// Age in whole years at now, or -1 without a birth date.
func (p *Patient) Age(now time.Time) int {
	if p.DateOfBirth == nil {
		return -1
	}
	dob := *p.DateOfBirth
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

// Genders accepted by the registry. Empty means not recorded.
var Genders = []string{"male", "female", "other", "unknown"}

const dateLayout = "2006-01-02"

// Input is the create/update form.
type Input struct {
	PatientID           string `json:"patient_id" form:"patient_id"`
	FirstName           string `json:"first_name" form:"first_name"`
	LastName            string `json:"last_name" form:"last_name"`
	DateOfBirth         string `json:"date_of_birth" form:"date_of_birth"`
	Gender              string `json:"gender" form:"gender"`
	Phone               string `json:"phone" form:"phone"`
	Email               string `json:"email" form:"email"`
	Address             string `json:"address" form:"address"`
	EmergencyContact    string `json:"emergency_contact" form:"emergency_contact"`
	EmergencyPhone      string `json:"emergency_phone" form:"emergency_phone"`
	MedicalRecordNumber string `json:"medical_record_number" form:"medical_record_number"`
	InsuranceInfo       string `json:"insurance_info" form:"insurance_info"`
}

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// apply validates in and copies it onto p. now bounds the birth date.
func (in Input) apply(p *Patient, now time.Time) error {
	trim := strings.TrimSpace
	in.PatientID = trim(in.PatientID)
	in.FirstName = trim(in.FirstName)
	in.LastName = trim(in.LastName)
	in.Gender = strings.ToLower(trim(in.Gender))
	in.Email = strings.ToLower(trim(in.Email))

	if n := utf8.RuneCountInString(in.PatientID); n < 3 || n > 20 {
		return apperr.Validation("patient_id", "must be between 3 and 20 characters")
	}
	if !patientIDPattern.MatchString(in.PatientID) {
		return apperr.Validation("patient_id", "may contain only letters, digits, '_' and '-'")
	}
	if n := utf8.RuneCountInString(in.FirstName); n < 1 || n > 50 {
		return apperr.Validation("first_name", "must be between 1 and 50 characters")
	}
	if n := utf8.RuneCountInString(in.LastName); n < 1 || n > 50 {
		return apperr.Validation("last_name", "must be between 1 and 50 characters")
	}
	if in.Gender != "" && !contains(Genders, in.Gender) {
		return apperr.Validation("gender", "must be one of %s", strings.Join(Genders, ", "))
	}
	if in.Email != "" {
		if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email || len(in.Email) > 120 {
			return apperr.Validation("email", "is not a valid address")
		}
	}
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"phone", in.Phone, 20},
		{"emergency_contact", in.EmergencyContact, 100},
		{"emergency_phone", in.EmergencyPhone, 20},
		{"medical_record_number", in.MedicalRecordNumber, 20},
		{"address", in.Address, 500},
		{"insurance_info", in.InsuranceInfo, 1000},
	} {
		if utf8.RuneCountInString(trim(f.value)) > f.max {
			return apperr.Validation(f.name, "must be at most %d characters", f.max)
		}
	}

	var dob *time.Time
	if s := trim(in.DateOfBirth); s != "" {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return apperr.Validation("date_of_birth", "must be a date in YYYY-MM-DD format")
		}
		if d.After(now) {
			return apperr.Validation("date_of_birth", "cannot be in the future")
		}
		dob = &d
	}

	p.PatientID = in.PatientID
	p.FirstName = in.FirstName
	p.LastName = in.LastName
	p.DateOfBirth = dob
	p.Gender = optional(in.Gender)
	p.Phone = optional(trim(in.Phone))
	p.Email = optional(in.Email)
	p.Address = optional(trim(in.Address))
	p.EmergencyContact = optional(trim(in.EmergencyContact))
	p.EmergencyPhone = optional(trim(in.EmergencyPhone))
	p.MedicalRecordNumber = optional(trim(in.MedicalRecordNumber))
	p.InsuranceInfo = optional(trim(in.InsuranceInfo))
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
