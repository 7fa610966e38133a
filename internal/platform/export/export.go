// Package export renders finalized reports as plain text and PDF downloads.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const disclaimer = "This report includes content drafted by an AI system and was reviewed and finalized " +
	"by the signing clinician. Clinical correlation is recommended."

// ReportDocument is everything an export needs. Empty fields are omitted.
type ReportDocument struct {
	CaseNumber         string
	PatientName        string
	PatientID          string
	StudyType          string
	BodyPart           string
	Priority           string
	ReferringPhysician string
	Indication         string
	Author             string
	CreatedAt          time.Time
	FinalizedAt        time.Time
	Text               string
}

type field struct{ label, value string }

func (d ReportDocument) header() []field {
	all := []field{
		{"Case Number", d.CaseNumber},
		{"Patient", d.PatientName},
		{"Patient ID", d.PatientID},
		{"Study Type", d.StudyType},
		{"Body Part", d.BodyPart},
		{"Priority", d.Priority},
		{"Referring Physician", d.ReferringPhysician},
		{"Indication", d.Indication},
		{"Reported By", d.Author},
		{"Study Date", formatTime(d.CreatedAt)},
		{"Finalized", formatTime(d.FinalizedAt)},
	}
	out := all[:0]
	for _, f := range all {
		if strings.TrimSpace(f.value) != "" {
			out = append(out, f)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

// TextFilename and PDFFilename name the download for a case.
func TextFilename(caseNumber string) string { return "report_" + caseNumber + ".txt" }
func PDFFilename(caseNumber string) string  { return "report_" + caseNumber + ".pdf" }

// Text renders the report as a plain-text document.
func Text(d ReportDocument) []byte {
	var b bytes.Buffer
	rule := strings.Repeat("=", 60)
	b.WriteString("RADIOLOGY REPORT\n")
	b.WriteString(rule + "\n")
	for _, f := range d.header() {
		fmt.Fprintf(&b, "%s: %s\n", f.label, f.value)
	}
	b.WriteString(rule + "\n\n")
	b.WriteString(strings.TrimSpace(d.Text))
	b.WriteString("\n\n")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	b.WriteString(disclaimer + "\n")
	return b.Bytes()
}

// PDF renders the report as an A4 portrait document with page numbers.
func PDF(d ReportDocument) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 10, tr(fmt.Sprintf("%s  |  Page %d of {nb}", d.CaseNumber, pdf.PageNo())), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, "Radiology Report")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 11)
	for _, f := range d.header() {
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(45, 7, tr(f.label+":"), "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		pdf.MultiCell(0, 7, tr(f.value), "", "L", false)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 13)
	pdf.Cell(0, 8, "Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 11)
	pdf.MultiCell(0, 6, tr(strings.TrimSpace(d.Text)), "", "L", false)
	pdf.Ln(6)

	pdf.SetFont("Arial", "I", 9)
	pdf.MultiCell(0, 5, tr(disclaimer), "T", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
