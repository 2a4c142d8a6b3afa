package server

import (
	"encoding/json"
	"net/http"

	"github.com/tinybase/tinybase/internal/engine"
)

// Problem is the structured error payload every failing response carries.
type Problem struct {
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Status      int               `json:"status"`
	Detail      string            `json:"detail,omitempty"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

const problemContentType = "application/problem+json"

// writeError renders any error as a problem payload. Engine errors map onto
// their taxonomy; anything else is a generic internal fault.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ee, ok := engine.AsError(err)
	if !ok {
		s.log.Error("unclassified handler error", "error", err)
		ee = &engine.Error{Code: engine.CodeInternal, Message: "internal error"}
	}

	p := Problem{
		Type:   string(ee.Code),
		Title:  titleFor(ee.Code),
		Status: statusFor(ee.Code),
	}
	if ee.Code != engine.CodeInternal {
		p.Detail = ee.Message
	}
	if ee.Field != "" {
		p.FieldErrors = map[string]string{ee.Field: ee.Message}
	}
	writeProblem(w, p)
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

// badRequest is for transport-level failures: unreadable bodies, malformed
// JSON, bad parameters that never reach the engine.
func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, Problem{
		Type:   "bad_request",
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
		Detail: detail,
	})
}

func unauthorized(w http.ResponseWriter, detail string) {
	writeProblem(w, Problem{
		Type:   "unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}

func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeValidationFailed, engine.CodeIncompatibleSchemaChange:
		return http.StatusUnprocessableEntity
	case engine.CodeForbidden:
		return http.StatusForbidden
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func titleFor(code engine.Code) string {
	switch code {
	case engine.CodeValidationFailed:
		return "Validation Failed"
	case engine.CodeForbidden:
		return "Forbidden"
	case engine.CodeNotFound:
		return "Not Found"
	case engine.CodeConflict:
		return "Conflict"
	case engine.CodeIncompatibleSchemaChange:
		return "Incompatible Schema Change"
	default:
		return "Internal Server Error"
	}
}
