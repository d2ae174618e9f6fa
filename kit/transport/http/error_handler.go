package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/influxdata/apiversion/kit/platform/errors"
)

// PlatformErrorCodeHeader shows the error code of platform error.
const PlatformErrorCodeHeader = "X-Platform-Error-Code"

// HTTPErrorHandler is the interface to handle http error.
type HTTPErrorHandler interface {
	HandleHTTPError(ctx context.Context, err error, w http.ResponseWriter)
}

// ErrorHandler is the error handler in http package.
type ErrorHandler int

var _ HTTPErrorHandler = ErrorHandler(0)

// HandleHTTPError encodes err with the appropriate status code and format,
// sets the X-Platform-Error-Code headers on the response,
// and sets the response status to the corresponding status code.
func (h ErrorHandler) HandleHTTPError(ctx context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		return
	}

	code := errors.ErrorCode(err)
	httpCode, ok := statusCodePlatformError[code]
	if !ok {
		httpCode = http.StatusBadRequest
	}
	w.Header().Set(PlatformErrorCodeHeader, code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpCode)
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	e.Code = code
	switch code {
	case errors.EInternal, errors.EConfiguration:
		// operator facing detail stays in the logs
		e.Message = "An internal error has occurred"
	default:
		e.Message = err.Error()
	}
	b, _ := json.Marshal(e)
	_, _ = w.Write(b)
}

// StatusCode returns the HTTP status the handler uses for err.
func StatusCode(err error) int {
	if code, ok := statusCodePlatformError[errors.ErrorCode(err)]; ok {
		return code
	}
	return http.StatusBadRequest
}

// statusCodePlatformError is the map convert platform.Error to error
var statusCodePlatformError = map[string]int{
	errors.EInternal:            http.StatusInternalServerError,
	errors.EInvalid:             http.StatusBadRequest,
	errors.EUnprocessableEntity: http.StatusUnprocessableEntity,
	errors.EConfiguration:       http.StatusInternalServerError,
	errors.ENotFound:            http.StatusNotFound,
	errors.EUnavailable:         http.StatusServiceUnavailable,
	errors.EMethodNotAllowed:    http.StatusMethodNotAllowed,
	errors.ETooLarge:            http.StatusRequestEntityTooLarge,
}
