package patient

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/auth"
	"github.com/diagnoseai/diagnoseai/pkg/pagination"
)

// CaseSummary is the slice of a case shown on the patient page.
type CaseSummary struct {
	ID         uuid.UUID `json:"id"`
	CaseNumber string    `json:"case_number"`
	StudyType  string    `json:"study_type,omitempty"`
	BodyPart   string    `json:"body_part,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// CaseIndex lists a patient's cases for the detail view.
type CaseIndex interface {
	CasesForPatient(ctx context.Context, owner, patientID uuid.UUID) ([]CaseSummary, error)
}

type Handler struct {
	svc   *Service
	cases CaseIndex
}

func NewHandler(svc *Service, cases CaseIndex) *Handler {
	return &Handler{svc: svc, cases: cases}
}

// RegisterRoutes mounts the registry on a group already behind the session
// middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients", h.List)
	g.GET("/patients/new", h.NewForm)
	g.POST("/patients/new", h.Create)
	g.GET("/patients/:id", h.Get)
	g.POST("/patients/:id", h.Update)
	g.POST("/patients/:id/delete", h.Delete)
}

func owner(c echo.Context) (uuid.UUID, error) {
	uid, ok := auth.UserIDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "login required")
	}
	return uid, nil
}

// pathID parses :id. A malformed id is reported as not found.
func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.List(c.Request().Context(), uid, c.QueryParam("search"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg.Limit, pg.Offset))
}

func (h *Handler) NewForm(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"genders":     Genders,
		"date_format": "YYYY-MM-DD",
	})
}

func (h *Handler) Create(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Create(c.Request().Context(), uid, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	cases, err := h.cases.CasesForPatient(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if cases == nil {
		cases = []CaseSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient": p,
		"age":     p.Age(time.Now()),
		"cases":   cases,
	})
}

func (h *Handler) Update(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Update(c.Request().Context(), uid, id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	uid, err := owner(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), uid, id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
