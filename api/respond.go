package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/pawn"
)

// Header names carrying the operator. Authentication happens upstream.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// =============================================================================
// ACTOR
// =============================================================================

// ActorFromHeaders puts the operator named in the request headers into
// the context. A missing id is 401; an unknown role is 400.
func ActorFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderActorID+" header", nil)
			return
		}
		role := pawn.Role(r.Header.Get(HeaderActorRole))
		switch role {
		case "":
			role = pawn.RoleClerk
		case pawn.RoleAdmin, pawn.RoleClerk:
		default:
			writeError(w, http.StatusBadRequest, "Unknown role", errors.New(string(role)))
			return
		}
		ctx := pawn.WithActor(r.Context(), pawn.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitKey buckets requests per operator, or per client IP without one.
func rateLimitKey(r *http.Request) (string, error) {
	if a, ok := pawn.ActorFrom(r.Context()); ok {
		return "actor:" + a.ID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

// =============================================================================
// DECODING
// =============================================================================

var (
	validate  = newValidator()
	plainText = bluemonday.StrictPolicy()
)

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath drops the struct name: "ApproveRequest.reason" -> "reason".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		v := &pawn.ValidationError{}
		v.Add("body", "invalid JSON: "+err.Error())
		return v
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		v := &pawn.ValidationError{}
		for _, fe := range verrs {
			v.Add(fieldPath(fe), "failed '"+fe.Tag()+"' rule")
		}
		return v
	}
	return nil
}

// sanitize strips markup from operator text before it reaches audit rows.
func sanitize(s string) string {
	return plainText.Sanitize(s)
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	var verr *pawn.ValidationError
	var inel *pawn.IneligibleError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &inel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pawn.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, pawn.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, pawn.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pawn.ErrConflict),
		errors.Is(err, pawn.ErrActionInProgress),
		errors.Is(err, action.ErrNoActiveRequest),
		errors.Is(err, action.ErrInvalidTransition),
		errors.Is(err, action.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, pawn.ErrCommitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pawn.ErrMalformedInput):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with the status statusFor picks.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: action.UserMessage(err), Details: err.Error()}

	var verr *pawn.ValidationError
	if errors.As(err, &verr) {
		resp.Error = "Validation failed"
		for _, p := range verr.Problems {
			resp.Problems = append(resp.Problems, FieldProblemDTO{Field: p.Field, Message: p.Message})
		}
	}
	var inel *pawn.IneligibleError
	if errors.As(err, &inel) {
		resp.Reason = inel.Reason
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}
