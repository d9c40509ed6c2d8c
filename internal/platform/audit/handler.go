package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hemovig/hemovig/internal/platform/auth"
	"github.com/hemovig/hemovig/pkg/pagination"
)

// Handler exposes the read-only audit query endpoint.
type Handler struct {
	reader Reader
}

func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.GET("/blood-bank/audit", h.List)
}

func (h *Handler) List(c echo.Context) error {
	principal := auth.PrincipalFromContext(c.Request().Context())
	branchID := c.QueryParam("branchId")
	if branchID == "" {
		branchID = principal.BranchID
	}
	if branchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "branchId is required")
	}

	p := pagination.FromContext(c)
	entries, total, err := h.reader.List(c.Request().Context(), branchID, c.QueryParam("entity"), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p.Limit, p.Offset))
}
