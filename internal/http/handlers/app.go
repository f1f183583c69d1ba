package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"clinicgen/internal/imagegen"
	"clinicgen/internal/infra"
	"clinicgen/internal/middleware"
	"clinicgen/internal/storage"
	"clinicgen/internal/viewer"
)

// DefaultMaxUploadBytes bounds the photo accepted by CreateBatch.
const DefaultMaxUploadBytes = 20 << 20

type App struct {
	Dispatcher     *imagegen.Dispatcher
	Viewer         *viewer.Viewer
	Gallery        *storage.Gallery
	Logger         *infra.Logger
	DefaultCount   int
	MaxUploadBytes int64
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (a *App) error(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	locale := middleware.LocaleFromContext(r.Context())
	a.json(w, status, map[string]errorBody{"error": {
		Code:    code,
		Message: message(locale, code),
		Detail:  detail,
	}})
}

// fail maps a pipeline error onto a status code and the error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := imagegen.KindOf(err)
	status := statusForKind(kind)
	code := string(kind)
	if kind == "" {
		code = "internal"
	}
	if status >= 500 {
		a.logger().Error().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("request failed")
	}
	detail := err.Error()
	var e *imagegen.Error
	if errors.As(err, &e) && e.Detail != "" {
		detail = e.Detail
	}
	a.error(w, r, status, code, detail)
}

func statusForKind(kind imagegen.ErrorKind) int {
	switch kind {
	case imagegen.KindValidation:
		return http.StatusBadRequest
	case imagegen.KindPayloadBuild, imagegen.KindDisplay:
		return http.StatusUnprocessableEntity
	case imagegen.KindNetwork, imagegen.KindServer, imagegen.KindMalformedPayload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) logger() *infra.Logger {
	if a.Logger == nil {
		return infra.NopLogger()
	}
	return a.Logger
}
