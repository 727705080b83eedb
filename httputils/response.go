package httputils

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tomyedwab/nonefly/middleware"
)

// ErrBadRequest marks errors caused by the request itself. They are answered
// with 400 instead of 500.
var ErrBadRequest = errors.New("bad request")

// HandleAPIResponse writes resp as JSON, or an error status with no detail.
// The error itself only goes to the log.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp interface{}, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBadRequest) {
			status = http.StatusBadRequest
		}
		logError(r, "Request failed", err, status)
		http.Error(w, http.StatusText(status), status)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		logError(r, "Failed to encode response", err, http.StatusInternalServerError)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// HandleEmptyResponse answers with an empty 200 on success.
func HandleEmptyResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		HandleAPIResponse(w, r, nil, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// WriteRawArray writes elements as a JSON array without re-encoding them, so
// each element reaches the client byte for byte as stored.
func WriteRawArray(w http.ResponseWriter, elements []json.RawMessage) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, element := range elements {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(element)
	}
	buf.WriteByte(']')

	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}

// DecodeJSONBody parses the request body into v, wrapping failures in
// ErrBadRequest.
func DecodeJSONBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

func logError(r *http.Request, msg string, err error, status int) {
	slog.Default().Error(msg,
		"component", "HTTP",
		"requestId", middleware.RequestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
}
