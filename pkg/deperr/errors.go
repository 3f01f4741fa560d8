package deperr

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
)

// Error codes carried in the "code" meta value of every domain error, so
// clients can branch on the condition instead of parsing messages.
const (
	CodeCycleDetected        = "cycle_detected"
	CodeDuplicateEdge        = "duplicate_edge"
	CodeTaskNotFound         = "task_not_found"
	CodeEdgeNotFound         = "edge_not_found"
	CodeSelfDependency       = "self_dependency"
	CodeInvalidDependency    = "invalid_dependency"
	CodeNotHardBlocked       = "not_hard_blocked"
	CodeAlreadyOverridden    = "already_overridden"
	CodeNotOverridden        = "not_overridden"
	CodeMissingJustification = "missing_justification"
	CodeStoreUnavailable     = "store_unavailable"
)

func CycleDetected(source, target uuid.UUID, path []uuid.UUID) *httperror.HTTPError {
	cyclePath := make([]string, 0, len(path))
	for _, id := range path {
		cyclePath = append(cyclePath, id.String())
	}
	return httperror.NewHTTPErrorf(http.StatusConflict, "dependency %s -> %s would create a cycle", source, target).
		AddMetaValue("code", CodeCycleDetected).
		AddMetaValue("cycle_path", cyclePath)
}

func DuplicateEdge(source, target uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusConflict, "dependency %s -> %s already exists", source, target).
		AddMetaValue("code", CodeDuplicateEdge)
}

func TaskNotFound(taskID uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "task %s does not exist", taskID).
		AddMetaValue("code", CodeTaskNotFound).
		AddMetaValue("task_id", taskID.String())
}

func EdgeNotFound(edgeID uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "dependency %s does not exist", edgeID).
		AddMetaValue("code", CodeEdgeNotFound).
		AddMetaValue("edge_id", edgeID.String())
}

func SelfDependency(taskID uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusBadRequest, "task %s cannot depend on itself", taskID).
		AddMetaValue("code", CodeSelfDependency).
		AddMetaValue("task_id", taskID.String())
}

func InvalidDependencyType(dependencyType string) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid dependency type '%s'", dependencyType).
		AddMetaValue("code", CodeInvalidDependency)
}

func NotHardBlocked(edgeID uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusConflict, "dependency %s is not an active hard block", edgeID).
		AddMetaValue("code", CodeNotHardBlocked).
		AddMetaValue("edge_id", edgeID.String())
}

func AlreadyOverridden(edgeID uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusConflict, "dependency %s already has an emergency override", edgeID).
		AddMetaValue("code", CodeAlreadyOverridden).
		AddMetaValue("edge_id", edgeID.String())
}

func NotOverridden(edgeID uuid.UUID) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusConflict, "dependency %s has no emergency override to revoke", edgeID).
		AddMetaValue("code", CodeNotOverridden).
		AddMetaValue("edge_id", edgeID.String())
}

func MissingJustification() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, "emergency override requires a non-empty actor and reason").
		AddMetaValue("code", CodeMissingJustification)
}

func StoreUnavailable(err error) *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusServiceUnavailable, "dependency store unavailable: %v", err).
		AddMetaValue("code", CodeStoreUnavailable)
}

// IsCode reports whether err is a domain error carrying the given code.
func IsCode(err error, code string) bool {
	if err == nil || !httperror.IsHTTPError(err) {
		return false
	}
	return httperror.ToHTTPError(err).Meta["code"] == code
}
