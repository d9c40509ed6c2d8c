package mtp

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/domain/issue"
	"github.com/hemovig/hemovig/internal/domain/protocol"
	"github.com/hemovig/hemovig/internal/platform/auth"
	"github.com/hemovig/hemovig/pkg/coerce"
	"github.com/hemovig/hemovig/pkg/pagination"
)

// Handler exposes MTP sessions over HTTP. Every write route is mounted twice:
// under /blood-bank/mtp and under the legacy /blood-bank/issue/mtp prefix that
// older bedside clients still call. Both aliases hit the same methods.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With().Str("component", "mtp-handler").Logger()}
}

// RegisterRoutes mounts the MTP endpoints on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := auth.RequireRole("admin", "physician", "nurse")
	write := auth.RequireRole("admin", "physician")

	for _, prefix := range []string{"/blood-bank/mtp", "/blood-bank/issue/mtp"} {
		api.GET(prefix, h.ListSessions, read)
		api.GET(prefix+"/:id", h.GetSession, read)
		api.POST(prefix+"/activate", h.Activate, write)
		api.POST(prefix+"/:id/deactivate", h.Deactivate, write)
		api.POST(prefix+"/:id/release-pack", h.ReleasePack, write)
	}
}

type activateRequest struct {
	PatientID   string      `json:"patientId"`
	EncounterID interface{} `json:"encounterId"`
	// clinicalIndication is the canonical field; indication is the legacy name.
	ClinicalIndication string `json:"clinicalIndication"`
	Indication         string `json:"indication"`
	Notes              string `json:"notes"`
}

func (h *Handler) Activate(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	var req activateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	indication := strings.TrimSpace(req.ClinicalIndication)
	if indication == "" {
		indication = strings.TrimSpace(req.Indication)
	}

	session, err := h.service.Activate(ctx, p, ActivateInput{
		PatientID:          strings.TrimSpace(req.PatientID),
		EncounterID:        coerce.OptionalString(req.EncounterID),
		ClinicalIndication: indication,
		Notes:              strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return h.domainError(c, err, "mtp activate failed")
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *Handler) Deactivate(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	session, err := h.service.Deactivate(ctx, p, id)
	if err != nil {
		return h.domainError(c, err, "mtp deactivate failed")
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	detail, err := h.service.Get(ctx, p, id)
	if err != nil {
		return h.domainError(c, err, "mtp get failed")
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	branchID, err := auth.ResolveBranch(p, c.QueryParam("branchId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	var status Status
	switch strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))) {
	case "ACTIVE":
		status = StatusActive
	case "INACTIVE":
		status = StatusInactive
	}
	if coerce.Truthy(c.QueryParam("active")) {
		status = StatusActive
	}
	page := pagination.FromContext(c)

	sessions, total, err := h.service.List(ctx, branchID, status, page.Limit, page.Offset)
	if err != nil {
		return h.domainError(c, err, "mtp list failed")
	}
	if sessions == nil {
		sessions = []*SessionDetail{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(sessions, total, page.Limit, page.Offset))
}

type releaseRequest struct {
	PRBC      interface{} `json:"prbc"`
	FFP       interface{} `json:"ffp"`
	Platelets interface{} `json:"platelets"`
	IssuedTo  string      `json:"issuedTo"`
	Ward      interface{} `json:"ward"`
}

type releaseResponse struct {
	Session  *SessionDetail      `json:"session"`
	Released []*issue.BloodIssue `json:"released"`
}

func (h *Handler) ReleasePack(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	detail, released, err := h.service.ReleaseEmergencyPack(ctx, p, id, ReleaseInput{
		PRBC:      intOrZero(req.PRBC),
		FFP:       intOrZero(req.FFP),
		Platelets: intOrZero(req.Platelets),
		IssuedTo:  strings.TrimSpace(req.IssuedTo),
		Ward:      coerce.OptionalString(req.Ward),
	})
	if err != nil {
		return h.domainError(c, err, "mtp release pack failed")
	}
	if released == nil {
		released = []*issue.BloodIssue{}
	}
	return c.JSON(http.StatusCreated, releaseResponse{Session: detail, Released: released})
}

func (h *Handler) domainError(c echo.Context, err error, msg string) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return echo.NewHTTPError(pe.HTTPStatus(), pe)
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg(msg)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func intOrZero(v interface{}) int {
	f := coerce.OptionalNumber(v)
	if f == nil {
		return 0
	}
	return int(*f)
}
