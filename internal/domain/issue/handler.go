package issue

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/domain/protocol"
	"github.com/hemovig/hemovig/internal/platform/auth"
	"github.com/hemovig/hemovig/pkg/coerce"
	"github.com/hemovig/hemovig/pkg/pagination"
)

// Handler exposes the transfusion lifecycle over HTTP. Bedside clients send
// loosely typed payloads, so every request body is normalized through
// pkg/coerce before it reaches the service.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With().Str("component", "issue-handler").Logger()}
}

// RegisterRoutes mounts the issue endpoints on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/blood-bank/issue", auth.RequireRole("admin", "physician", "nurse"))
	g.POST("", h.IssueBlood)
	g.GET("", h.ListIssues)
	g.GET("/:id", h.GetIssue)
	g.POST("/:id/bedside-verify", h.BedsideVerify)
	g.POST("/:id/transfusion/start", h.StartTransfusion)
	g.POST("/:id/transfusion/vitals", h.RecordVitals)
	g.POST("/:id/transfusion/end", h.EndTransfusion)
	g.POST("/:id/reaction", h.ReportReaction)
	g.POST("/:id/return", h.ReturnUnit)
}

type issueRequest struct {
	CrossMatchID   string      `json:"crossMatchId"`
	IssuedToPerson string      `json:"issuedToPerson"`
	IssuedTo       string      `json:"issuedTo"`
	IssuedToWard   interface{} `json:"issuedToWard"`
	TransportTemp  interface{} `json:"transportTemp"`
	// transportBoxTemp is the legacy field name some bedside clients send.
	TransportBoxTemp interface{} `json:"transportBoxTemp"`
	Component        string      `json:"component"`
}

func (h *Handler) IssueBlood(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	var req issueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	issuedTo := strings.TrimSpace(req.IssuedToPerson)
	if issuedTo == "" {
		issuedTo = strings.TrimSpace(req.IssuedTo)
	}
	if issuedTo == "" {
		issuedTo = "Unknown"
	}
	temp := coerce.OptionalNumber(req.TransportTemp)
	if temp == nil {
		temp = coerce.OptionalNumber(req.TransportBoxTemp)
	}

	iss, err := h.service.IssueBlood(ctx, p, IssueInput{
		CrossMatchID:  strings.TrimSpace(req.CrossMatchID),
		IssuedTo:      issuedTo,
		IssuedToWard:  coerce.OptionalString(req.IssuedToWard),
		TransportTemp: temp,
		Component:     strings.TrimSpace(req.Component),
	})
	if err != nil {
		return h.domainError(c, err, "issue blood failed")
	}
	return c.JSON(http.StatusCreated, iss)
}

func (h *Handler) ListIssues(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	branchID, err := auth.ResolveBranch(p, c.QueryParam("branchId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	page := pagination.FromContext(c)

	issues, total, err := h.service.ListIssues(ctx, branchID,
		coerce.Truthy(c.QueryParam("transfusing")),
		coerce.Truthy(firstParam(c, "transfusedToday", "transfused_today")),
		page.Limit, page.Offset,
	)
	if err != nil {
		return h.domainError(c, err, "list issues failed")
	}
	if issues == nil {
		issues = []*BloodIssue{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(issues, total, page.Limit, page.Offset))
}

func (h *Handler) GetIssue(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	iss, err := h.service.GetIssue(ctx, p, id)
	if err != nil {
		return h.domainError(c, err, "get issue failed")
	}
	return c.JSON(http.StatusOK, iss)
}

type verifyRequest struct {
	VerifiedBy         string      `json:"verifiedBy"`
	Verifier2StaffID   interface{} `json:"verifier2StaffId"`
	Outcome            string      `json:"outcome"`
	ScannedPatientID   interface{} `json:"scannedPatientId"`
	ScannedUnitBarcode interface{} `json:"scannedUnitBarcode"`
}

func (h *Handler) BedsideVerify(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	verifiedBy := strings.TrimSpace(req.VerifiedBy)
	if verifiedBy == "" {
		verifiedBy = p.UserID
	}
	iss, err := h.service.BedsideVerify(ctx, p, id, VerifyInput{
		VerifiedBy:         verifiedBy,
		Verifier2StaffID:   coerce.OptionalString(req.Verifier2StaffID),
		Outcome:            strings.ToUpper(strings.TrimSpace(req.Outcome)),
		ScannedPatientID:   coerce.OptionalString(req.ScannedPatientID),
		ScannedUnitBarcode: coerce.OptionalString(req.ScannedUnitBarcode),
	})
	if err != nil {
		return h.domainError(c, err, "bedside verify failed")
	}
	return c.JSON(http.StatusOK, iss)
}

// readingRequest is a loosely typed vitals observation. Numeric fields may
// arrive as JSON numbers or quoted strings.
type readingRequest struct {
	Temperature     interface{} `json:"temperature"`
	PulseRate       interface{} `json:"pulseRate"`
	BloodPressure   string      `json:"bloodPressure"`
	RespiratoryRate interface{} `json:"respiratoryRate"`
	Notes           string      `json:"notes"`
}

func (r readingRequest) toReading() VitalsReading {
	return VitalsReading{
		Temperature:     coerce.OptionalNumber(r.Temperature),
		PulseRate:       coerce.OptionalNumber(r.PulseRate),
		BloodPressure:   strings.TrimSpace(r.BloodPressure),
		RespiratoryRate: coerce.OptionalNumber(r.RespiratoryRate),
		Notes:           strings.TrimSpace(r.Notes),
	}
}

type startRequest struct {
	StartingVitals readingRequest `json:"startingVitals"`
}

func (h *Handler) StartTransfusion(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	iss, err := h.service.StartTransfusion(ctx, p, id, StartInput{StartingVitals: req.StartingVitals.toReading()})
	if err != nil {
		return h.domainError(c, err, "start transfusion failed")
	}
	return c.JSON(http.StatusOK, iss)
}

type vitalsRequest struct {
	Interval      string         `json:"interval"`
	Reading       readingRequest `json:"reading"`
	VolumeDeltaML interface{}    `json:"volumeDeltaMl"`
}

func (h *Handler) RecordVitals(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req vitalsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// AUTO asks the server to label the interval from the configured cadence.
	interval := strings.TrimSpace(req.Interval)
	if strings.EqualFold(interval, "AUTO") {
		interval = ""
	}

	iss, err := h.service.RecordVitals(ctx, p, id, VitalsInput{
		Interval:      interval,
		Reading:       req.Reading.toReading(),
		VolumeDeltaML: coerce.OptionalNumber(req.VolumeDeltaML),
	})
	if err != nil {
		return h.domainError(c, err, "record vitals failed")
	}
	return c.JSON(http.StatusOK, iss)
}

type endRequest struct {
	Summary       string      `json:"summary"`
	VolumeDeltaML interface{} `json:"volumeDeltaMl"`
	// finalVolumeMl is the legacy field name for the closing delta.
	FinalVolumeML interface{} `json:"finalVolumeMl"`
}

func (h *Handler) EndTransfusion(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req endRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	delta := coerce.OptionalNumber(req.VolumeDeltaML)
	if delta == nil {
		delta = coerce.OptionalNumber(req.FinalVolumeML)
	}
	iss, err := h.service.EndTransfusion(ctx, p, id, EndInput{
		Summary:       strings.TrimSpace(req.Summary),
		VolumeDeltaML: delta,
	})
	if err != nil {
		return h.domainError(c, err, "end transfusion failed")
	}
	return c.JSON(http.StatusOK, iss)
}

type reactionRequest struct {
	Severity string `json:"severity"`
	Details  string `json:"details"`
}

func (h *Handler) ReportReaction(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req reactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	iss, err := h.service.ReportReaction(ctx, p, id, ReactionInput{
		Severity: strings.ToUpper(strings.TrimSpace(req.Severity)),
		Details:  strings.TrimSpace(req.Details),
	})
	if err != nil {
		return h.domainError(c, err, "report reaction failed")
	}
	return c.JSON(http.StatusOK, iss)
}

type returnRequest struct {
	Reason           string      `json:"reason"`
	ResidualVolumeML interface{} `json:"residualVolumeMl"`
}

func (h *Handler) ReturnUnit(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req returnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	iss, err := h.service.ReturnUnit(ctx, p, id, ReturnInput{
		Reason:           strings.TrimSpace(req.Reason),
		ResidualVolumeML: coerce.OptionalNumber(req.ResidualVolumeML),
	})
	if err != nil {
		return h.domainError(c, err, "return unit failed")
	}
	return c.JSON(http.StatusOK, iss)
}

// domainError renders protocol errors with their mapped status and full
// clinical context; anything else is a 500 with the detail kept in the log.
func (h *Handler) domainError(c echo.Context, err error, msg string) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return echo.NewHTTPError(pe.HTTPStatus(), pe)
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg(msg)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func firstParam(c echo.Context, names ...string) string {
	for _, n := range names {
		if v := c.QueryParam(n); v != "" {
			return v
		}
	}
	return ""
}
