package service

import (
	"bufio"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowstore"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Types and Modules list what a refused deploy is missing
	Types   []string `json:"types,omitempty"`
	Modules []string `json:"modules,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeErr maps err to a status code and writes it. Unexpected errors are
// logged and their text is not returned.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: errors.CodeOf(err), Message: err.Error()}
	status := statusFor(err)

	var mt *errors.MissingTypesError
	if stderrors.As(err, &mt) {
		body.Types = mt.Types
	}
	var mm *errors.MissingModulesError
	if stderrors.As(err, &mm) {
		body.Modules = mm.Modules
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = http.StatusText(status)
	}
	s.writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrFlowNotFound), stderrors.Is(err, errors.ErrUnknownModule):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrTypeInUse), flowstore.IsConflict(err):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrMissingTypes), stderrors.Is(err, errors.ErrMissingModules),
		stderrors.Is(err, errors.ErrDuplicateID), stderrors.Is(err, errors.ErrCredentialDecrypt),
		stderrors.Is(err, errors.ErrInvalidDeployType), errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrShuttingDown), stderrors.Is(err, errors.ErrSettingsUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON body of at most 16MB
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Server", "decodeJSON", "decode request body")
	}
	return nil
}

// statusRecorder captures the response status for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.recordRequest(route, strconv.Itoa(rec.status), time.Since(start))
		s.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
