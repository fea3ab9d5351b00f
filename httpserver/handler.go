package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/ccf-recovery-service/api"
	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError is a failure that already knows its HTTP status.
type RequestError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and writes {"code", "message"}.
// Errors without a code are logged and reported as 500 without detail.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		WriteJSON(w, reqErr.StatusCode, api.ErrorResponse{Code: reqErr.Code, Message: reqErr.Err.Error()})
		return
	}
	if e, ok := interfaces.AsError(err); ok {
		status := e.Kind.HTTPStatus()
		if status >= http.StatusInternalServerError {
			log.Error("request failed", "code", e.Code, "err", err)
		} else {
			log.Debug("request rejected", "code", e.Code, "err", err)
		}
		WriteJSON(w, status, api.ErrorResponse{Code: e.Code, Message: e.Message})
		return
	}
	log.Error("request failed", "err", err)
	WriteJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		Code:    "InternalError",
		Message: http.StatusText(http.StatusInternalServerError),
	})
}

// DecodeJSON reads a size-limited JSON body into v.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Code: interfaces.CodeBadInput, Err: fmt.Errorf("reading request body: %w", err)}
	}
	if len(body) > maxBodySize {
		return &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Code: interfaces.CodeBadInput, Err: errors.New("request body too large")}
	}
	if len(body) == 0 {
		return &RequestError{StatusCode: http.StatusBadRequest, Code: interfaces.CodeBadInput, Err: errors.New("empty request body")}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Code: interfaces.CodeBadInput, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return nil
}
