package cases

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/diagnoseai/diagnoseai/internal/domain/patient"
	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/auth"
	"github.com/diagnoseai/diagnoseai/internal/platform/imaging"
	"github.com/diagnoseai/diagnoseai/pkg/pagination"
)

// Edit form bounds. Stricter than the controller's so that a reviewed report
// carries real content.
const (
	minEditLength = 50
	maxEditLength = MaxReportLength
)

const (
	flashCookie = "diagnoseai_flash"
	actionSave  = "save_draft"
	actionFinal = "finalize"
)

// PatientLister supplies the owner's patients for the upload form.
type PatientLister interface {
	List(ctx context.Context, owner uuid.UUID, search string, limit, offset int) ([]*patient.Patient, int, error)
}

type Handler struct {
	svc      *Service
	patients PatientLister
}

func NewHandler(svc *Service, patients PatientLister) *Handler {
	return &Handler{svc: svc, patients: patients}
}

// RegisterRoutes mounts the case routes on a group already behind the
// session middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/upload", h.UploadForm)
	g.POST("/upload", h.Upload)
	g.GET("/cases/new", h.NewCaseForm)
	g.POST("/cases/new", h.CreateCase)
	g.GET("/dashboard", h.Dashboard)
	g.GET("/case/:id", h.View)
	g.GET("/case/:id/edit", h.EditForm)
	g.POST("/case/:id/edit", h.Edit)
	g.GET("/case/:id/download/text", h.DownloadText)
	g.GET("/case/:id/download/pdf", h.DownloadPDF)
	g.POST("/case/:id/delete", h.Delete)
	g.GET("/case/:id/image", h.Image)
}

func owner(c echo.Context) (uuid.UUID, error) {
	uid, ok := auth.UserIDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "login required")
	}
	return uid, nil
}

func ownerAndCase(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	uid, err := owner(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "case not found")
	}
	return uid, id, nil
}

// -- Upload --

func (h *Handler) UploadForm(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"allowed_extensions": imaging.LegacyExtensions,
		"notes_min":          10,
		"notes_max":          2000,
	})
}

func (h *Handler) NewCaseForm(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	patients, _, err := h.patients.List(c.Request().Context(), uid, "", pagination.MaxLimit, 0)
	if err != nil {
		return apperr.HTTPError(err)
	}
	options := make([]map[string]string, 0, len(patients))
	for _, p := range patients {
		options = append(options, map[string]string{
			"id":    p.ID.String(),
			"label": fmt.Sprintf("%s - %s", p.PatientID, p.FullName()),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"allowed_extensions": imaging.CaseExtensions,
		"study_types":        StudyTypes,
		"priorities":         Priorities,
		"patients":           options,
	})
}

// Upload is the legacy flow: an image plus free-text clinical notes.
func (h *Handler) Upload(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	return h.create(c, CreateCaseInput{
		Owner:         uid,
		ClinicalNotes: c.FormValue("clinical_notes"),
	})
}

// CreateCase is the patient-backed flow.
func (h *Handler) CreateCase(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	pid, err := uuid.Parse(strings.TrimSpace(c.FormValue("patient_id")))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id: select a patient")
	}
	return h.create(c, CreateCaseInput{
		Owner:              uid,
		PatientID:          &pid,
		StudyType:          c.FormValue("study_type"),
		BodyPart:           c.FormValue("body_part"),
		Indication:         c.FormValue("indication"),
		ClinicalHistory:    c.FormValue("clinical_history"),
		ReferringPhysician: c.FormValue("referring_physician"),
		Priority:           c.FormValue("priority"),
	})
}

func (h *Handler) create(c echo.Context, in CreateCaseInput) error {
	fh, err := uploadedFile(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image: no image was uploaded")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image: could not read upload")
	}
	defer f.Close()

	in.Filename = fh.Filename
	in.Image = f
	res, err := h.svc.CreateCase(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func uploadedFile(c echo.Context) (*multipart.FileHeader, error) {
	if fh, err := c.FormFile("image"); err == nil {
		return fh, nil
	}
	return c.FormFile("file")
}

// -- Dashboard and views --

func (h *Handler) Dashboard(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListCases(c.Request().Context(), uid, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	stats, err := h.svc.Dashboard(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if list == nil {
		list = []*Case{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"cases": pagination.NewResponse(list, total, pg.Limit, pg.Offset),
		"stats": stats,
	})
}

func (h *Handler) View(c echo.Context) error {
	uid, id, err := ownerAndCase(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.GetCase(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	body := map[string]any{"case": cs, "status_label": cs.Status.Label()}
	if msg := popFlash(c); msg != "" {
		body["message"] = msg
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) EditForm(c echo.Context) error {
	uid, id, err := ownerAndCase(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.GetCase(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if cs.Report == nil {
		return redirectWithFlash(c, id, "No report is available for this case yet.")
	}
	if cs.Report.IsFinalized {
		return redirectWithFlash(c, id, "This report has been finalized and can no longer be edited.")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"case":         cs,
		"current_text": cs.Report.CurrentText(),
		"min_length":   minEditLength,
		"max_length":   maxEditLength,
		"actions":      []string{actionSave, actionFinal},
	})
}

func (h *Handler) Edit(c echo.Context) error {
	uid, id, err := ownerAndCase(c)
	if err != nil {
		return err
	}
	// Lifecycle refusals take precedence over form bounds. SaveReport repeats
	// these checks under the row lock.
	cs, err := h.svc.GetCase(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if cs.Report == nil {
		return apperr.HTTPError(apperr.NotFound("report"))
	}
	if cs.Report.IsFinalized {
		return apperr.HTTPError(apperr.State("report is already finalized"))
	}

	text := strings.TrimSpace(c.FormValue("report_text"))
	if n := utf8.RuneCountInString(text); n < minEditLength || n > maxEditLength {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("report_text: must be between %d and %d characters", minEditLength, maxEditLength))
	}
	var finalize bool
	switch c.FormValue("action") {
	case actionSave, "":
	case actionFinal:
		finalize = true
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "action: must be save_draft or finalize")
	}

	cs, err = h.svc.SaveReport(c.Request().Context(), uid, id, text, finalize)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

// -- Downloads --

func (h *Handler) DownloadText(c echo.Context) error {
	return h.download(c, h.svc.ExportText)
}

func (h *Handler) DownloadPDF(c echo.Context) error {
	return h.download(c, h.svc.ExportPDF)
}

// download serves an export, or redirects back to the case with a message
// when the report is missing or not finalized.
func (h *Handler) download(c echo.Context, render func(context.Context, uuid.UUID, uuid.UUID) (*Export, error)) error {
	uid, id, err := ownerAndCase(c)
	if err != nil {
		return err
	}
	exp, err := render(c.Request().Context(), uid, id)
	if err != nil {
		var nf *apperr.NotFoundError
		switch {
		case errors.As(err, &nf) && nf.Resource == "report":
			return redirectWithFlash(c, id, "No report is available for this case yet.")
		case apperr.IsState(err):
			return redirectWithFlash(c, id, "Only finalized reports can be downloaded.")
		}
		return apperr.HTTPError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exp.Filename))
	return c.Blob(http.StatusOK, exp.ContentType, exp.Body)
}

func (h *Handler) Image(c echo.Context) error {
	uid, id, err := ownerAndCase(c)
	if err != nil {
		return err
	}
	rc, contentType, err := h.svc.OpenImage(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, contentType, rc)
}

func (h *Handler) Delete(c echo.Context) error {
	uid, id, err := ownerAndCase(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteCase(c.Request().Context(), uid, id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Flash messages --

func redirectWithFlash(c echo.Context, id uuid.UUID, msg string) error {
	c.SetCookie(&http.Cookie{
		Name:     flashCookie,
		Value:    url.QueryEscape(msg),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusSeeOther, "/case/"+id.String())
}

// popFlash returns and clears the pending flash message.
func popFlash(c echo.Context) string {
	ck, err := c.Cookie(flashCookie)
	if err != nil || ck.Value == "" {
		return ""
	}
	c.SetCookie(&http.Cookie{Name: flashCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	msg, err := url.QueryUnescape(ck.Value)
	if err != nil {
		return ""
	}
	return msg
}
