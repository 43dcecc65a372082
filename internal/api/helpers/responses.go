package helpers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/apperrors"
)

// envelope is the `{"data": ...}` success shape spec.md §6.1 requires for
// reads/writes that carry data.
type envelope struct {
	Data any `json:"data"`
}

// errBody is the `{"code": "...", "message": "..."}` error shape.
type errBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// RespondData writes a response wrapping data in the {"data": ...}
// envelope, unless raw is set (format=array listing responses bypass the
// envelope per spec.md §4.7).
func RespondData(w http.ResponseWriter, status int, data any, raw bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var body any = envelope{Data: data}
	if raw {
		body = data
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode json response", "error", err)
	}
}

// RespondNoContent writes a 204 with no body — the shape spec.md §6.1
// mandates for successful PATCH.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// RespondErr maps err to the wire error taxonomy (spec.md §7) and writes
// the {"code", "message"} body. Internal errors not already wrapped as
// *apperrors.Error are reported as err_db with a generic message, the
// original error only reaching the log.
func RespondErr(w http.ResponseWriter, log *slog.Logger, err error) {
	var wireErr *apperrors.Error
	if !errors.As(err, &wireErr) {
		log.Error("unmapped internal error", "error", err)
		wireErr = apperrors.New(apperrors.CodeDB, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(wireErr.HTTPStatus())
	if encErr := json.NewEncoder(w).Encode(errBody{Code: wireErr.Code, Message: wireErr.Message}); encErr != nil {
		log.Error("encode error response", "error", encErr)
	}
}
