package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// Register registers audit log routes
func Register(g *echo.Group) {
	g.GET("", QueryAudit)
}

// QueryAudit lists audit entries filtered by task, edge and time range
func QueryAudit(c echo.Context) error {
	ctx := c.Request().Context()

	var q models.AuditQuery
	if v := c.QueryParam("task_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid task_id")
		}
		q.TaskID = &id
	}
	if v := c.QueryParam("edge_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid edge_id")
		}
		q.EdgeID = &id
	}
	if v := c.QueryParam("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		q.Since = &ts
	}
	if v := c.QueryParam("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "until must be an RFC 3339 timestamp")
		}
		q.Until = &ts
	}

	q.Page, _ = strconv.Atoi(c.QueryParam("page"))
	q.PageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	q.Normalize()

	ctx, repo, err := ectoinject.GetContext[*repositories.AuditRepository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, total, err := repo.Query(ctx, q)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}

	return c.JSON(http.StatusOK, models.AuditListResponse{
		Entries:  entries,
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
}
