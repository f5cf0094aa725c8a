// Package api provides HTTP handlers for the mediation API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/commonground/mediation/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps decoded request bodies.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorResponse{Error: message})
}

// writeError maps a service error onto its HTTP status. Internal causes are
// logged and never returned to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.Internal("internal server error", err)
	}

	if de.Kind == domain.KindInternal {
		slog.Error("Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()))
		Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	JSON(w, de.Kind.HTTPStatus(), errorResponse{Error: de.Message, Fields: de.Fields})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body of at most maxBodyBytes into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.Validation("request body too large", nil)
		case errors.Is(err, io.EOF):
			return domain.Validation("request body is required", nil)
		default:
			return domain.Validation("invalid JSON body", nil)
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return domain.Internal("failed to validate request", err)
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return domain.Validation("invalid request", fields)
	}
	return nil
}
