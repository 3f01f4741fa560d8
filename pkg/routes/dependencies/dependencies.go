package dependencies

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/trellis/pkg/dependencies"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/override"
	"github.com/Ramsey-B/trellis/pkg/utils"
)

// Register registers dependency routes
func Register(g *echo.Group) {
	g.POST("", CreateDependency)
	g.DELETE("/:id", RemoveDependency)
	g.POST("/:id/override", ApplyOverride)
	g.DELETE("/:id/override", RevokeOverride)
}

// CreateDependency creates a dependency edge between two tasks
func CreateDependency(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[models.CreateDependencyRequest](c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*dependencies.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	dep, err := svc.AddDependency(ctx, &req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, dep)
}

// RemoveDependency deletes a dependency edge
func RemoveDependency(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := edgeID(c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*dependencies.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := svc.RemoveDependency(ctx, id); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// ApplyOverride applies an emergency override to a hard blocking edge
func ApplyOverride(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := edgeID(c)
	if err != nil {
		return err
	}

	// No binder-level validation here: the override service owns the
	// justification rules and returns the dedicated error code.
	var req models.OverrideRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, svc, err := ectoinject.GetContext[*override.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	dep, err := svc.Apply(ctx, id, &req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dep)
}

// RevokeOverride removes an emergency override, restoring the block
func RevokeOverride(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := edgeID(c)
	if err != nil {
		return err
	}

	var req models.OverrideRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, svc, err := ectoinject.GetContext[*override.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	dep, err := svc.Revoke(ctx, id, &req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dep)
}

func edgeID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid dependency id")
	}
	return id, nil
}
