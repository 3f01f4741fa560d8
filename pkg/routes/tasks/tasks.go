package tasks

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/dependencies"
)

// Register registers task routes. Tasks are mirrored from the task service,
// so everything here is read-only.
func Register(g *echo.Group) {
	g.GET("", ListTasks)
	g.GET("/:id", GetTask)
	g.GET("/:id/dependencies", GetTaskDependencies)
	g.GET("/:id/blocking-chain", GetBlockingChain)
}

// ListTasks lists the mirrored tasks for the tenant
func ListTasks(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, repo, err := ectoinject.GetContext[*repositories.TaskRepository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	tasks, err := repo.List(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, tasks)
}

// GetTask gets a mirrored task with its derived blocked flag
func GetTask(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := taskID(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*repositories.TaskRepository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	task, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, task)
}

// GetTaskDependencies lists the edges touching a task in both directions
func GetTaskDependencies(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := taskID(c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*dependencies.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := svc.ListForTask(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// GetBlockingChain walks the incomplete prerequisites keeping a task blocked
func GetBlockingChain(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := taskID(c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*dependencies.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	chain, err := svc.GetBlockingChain(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, chain)
}

func taskID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	return id, nil
}
