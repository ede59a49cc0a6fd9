package httpapi

import (
	"errors"
	"net/http"

	"github.com/controlcoreio/control-core/internal/control"
)

func controlUnauthenticated(msg string) *control.Error { return control.New(control.KindUnauthenticated, msg) }
func controlValidation(msg string) *control.Error       { return control.Validation(msg) }
func controlRateLimited(msg string) *control.Error      { return control.New(control.KindRateLimited, msg) }
func controlNotFoundErr(kind, id string) *control.Error { return control.NotFound(kind + " " + id + " not found") }
func controlUpstreamFailure(msg string) *control.Error  { return control.New(control.KindUpstreamFailure, msg) }

// errorResponse is the stable JSON shape every failed request returns,
// regardless of which subsystem produced the underlying control.Error.
type errorResponse struct {
	Error struct {
		Kind   string              `json:"kind"`
		Msg    string              `json:"message"`
		Fields []fieldErrorPayload `json:"fields,omitempty"`
	} `json:"error"`
}

type fieldErrorPayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// statusFor maps a control.Kind onto an HTTP status. This is the one
// place in the gateway allowed to know that mapping; handlers only
// ever produce or forward a *control.Error.
func statusFor(kind control.Kind) int {
	switch kind {
	case control.KindUnauthenticated:
		return http.StatusUnauthorized
	case control.KindForbidden:
		return http.StatusForbidden
	case control.KindTenantMismatch:
		return http.StatusForbidden
	case control.KindValidation:
		return http.StatusBadRequest
	case control.KindConflict:
		return http.StatusConflict
	case control.KindNotFound:
		return http.StatusNotFound
	case control.KindUpstreamFailure:
		return http.StatusBadGateway
	case control.KindProductionLocked:
		return http.StatusLocked
	case control.KindSchemaDriftFatal:
		return http.StatusServiceUnavailable
	case control.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders any error as the uniform error response shape.
// An error that isn't a *control.Error is treated as an unclassified
// internal failure and never leaks its raw message to the client.
func writeError(w http.ResponseWriter, err error) {
	var ce *control.Error
	if !errors.As(err, &ce) {
		resp := errorResponse{}
		resp.Error.Kind = "internal"
		resp.Error.Msg = "internal error"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	resp := errorResponse{}
	resp.Error.Kind = string(ce.Kind)
	resp.Error.Msg = ce.Msg
	for _, f := range ce.Fields {
		resp.Error.Fields = append(resp.Error.Fields, fieldErrorPayload{Path: f.Path, Reason: f.Reason})
	}
	writeJSON(w, statusFor(ce.Kind), resp)
}
