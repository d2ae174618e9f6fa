package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	kithttp "github.com/influxdata/apiversion/kit/transport/http"
	"github.com/influxdata/apiversion/logger"
	"go.uber.org/zap"
)

// RequestIDHeader carries the id LoggingMW assigns to each request.
const RequestIDHeader = "X-Request-Id"

// LoggingMW middleware for logging inflight http requests.
//
// Requests are tagged with the id found in RequestIDHeader, or a fresh one,
// and the id is echoed on the response. Handlers further down the chain
// find a logger carrying the id with logger.FromContext. version reports
// the requested API version; nil means DefaultVersionHeader.
func LoggingMW(log *zap.Logger, version VersionFunc) kithttp.Middleware {
	if version == nil {
		version = HeaderVersion(DefaultVersionHeader)
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
				r.Header.Set(RequestIDHeader, id)
			}
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(logger.NewContextWithLogger(r.Context(), log.With(zap.String("request_id", id))))

			srw := kithttp.NewStatusResponseWriter(w)

			defer func(start time.Time) {
				errField := zap.Skip()
				errReferenceField := zap.Skip()
				if errCode := w.Header().Get(kithttp.PlatformErrorCodeHeader); errCode != "" {
					errField = zap.Error(errors.New(errCode))
					errReferenceField = zap.String("error_code", errCode)
				}

				log.Debug("Request",
					zap.String("request_id", id),
					zap.String("method", r.Method),
					zap.String("host", r.Host),
					zap.String("path", r.URL.Path),
					zap.String("query", r.URL.Query().Encode()),
					zap.String("proto", r.Proto),
					zap.Int("status_code", srw.Code()),
					zap.Int("response_size", srw.ResponseBytes()),
					zap.Int64("content_length", r.ContentLength),
					zap.String("remote", r.RemoteAddr),
					zap.String("user_agent", kithttp.UserAgent(r)),
					zap.String("requested_version", version(r)),
					zap.String("served_version", w.Header().Get(VersionServedHeader)),
					zap.Duration("took", time.Since(start)),
					errField,
					errReferenceField,
				)
			}(time.Now())

			next.ServeHTTP(srw, r)
		}
		return http.HandlerFunc(fn)
	}
}
