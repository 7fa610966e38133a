// Package generator drafts radiology reports from an image and clinical
// context using an OpenAI-compatible chat completions endpoint.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Generator produces a draft report. payload is the provider's raw response,
// stored for audit; text is the human-readable draft.
type Generator interface {
	Generate(ctx context.Context, imagePath, clinicalContext string) (payload json.RawMessage, text string, err error)
}

type Kind string

const (
	KindConfig      Kind = "config"
	KindUnavailable Kind = "unavailable"
	KindBadResponse Kind = "bad_response"
)

// Error is a classified generator failure. Failures that are not an *Error
// (unreadable image, cancelled context) are unclassified.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generator %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("generator %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the kind of a generator failure, or "unclassified".
func Classify(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return string(ge.Kind)
	}
	return "unclassified"
}

// ClinicalContext is the case metadata sent alongside the image. The legacy
// upload flow only sets Notes.
type ClinicalContext struct {
	StudyType          string
	BodyPart           string
	Indication         string
	ClinicalHistory    string
	ReferringPhysician string
	Priority           string
	Notes              string
}

// String renders the context as the CLINICAL NOTES block of the prompt.
func (c ClinicalContext) String() string {
	var b strings.Builder
	line := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Study type", c.StudyType)
	line("Body part", c.BodyPart)
	line("Priority", c.Priority)
	line("Indication", c.Indication)
	line("Clinical history", c.ClinicalHistory)
	line("Referring physician", c.ReferringPhysician)
	if n := strings.TrimSpace(c.Notes); n != "" {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
