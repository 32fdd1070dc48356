package core

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eteran/strata/internal/auth"
	"github.com/google/uuid"
)

const requestIDHeader = "x-amz-request-id"

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

type LogEntry struct {
	IP          string
	AccessKeyID string
	RequestID   string
	Method      string
	URL         string
	Proto       string
	DurationMS  float64
	StatusCode  int
}

func (e LogEntry) User() slog.Attr {
	if e.AccessKeyID == "" {
		return slog.Group("user", "ip", e.IP, "anonymous", true)
	}
	return slog.Group("user", "ip", e.IP, "access_key", e.AccessKeyID)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"id", e.RequestID,
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest is middleware that logs incoming HTTP requests.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:        r.RemoteAddr,
			RequestID: w.Header().Get(requestIDHeader),
			Method:    r.Method,
			URL:       r.URL.String(),
			Proto:     r.Proto,
		}

		if user := auth.UserFromContext(r.Context()); user != nil {
			entry.AccessKeyID = user.AccessKeyID
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}
	})
}

// RequestID tags every response with a fresh request id.
func (s *Server) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestIDHeader, uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the caller and stores it in the request context.
// Bad credentials are always rejected; requests without credentials are
// rejected unless anonymous access is enabled.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := s.Config.Authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			slog.Warn("Authentication failed", "ip", r.RemoteAddr, "path", r.URL.Path, "err", err)
			writeAccessDenied(w, r)
			return
		}

		if user == nil {
			if !s.Config.AllowAnonymous {
				writeAccessDenied(w, r)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(ctx, user)))
	})
}

// SlashFix maps "/bucket/" onto "/bucket" so bucket requests with a
// trailing slash reach the bucket routes. Object keys are left alone and
// are validated by the handlers.
func (s *Server) SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if ok && bucket != "" && !strings.Contains(bucket, "/") {
			r.URL.Path = "/" + bucket
			r.URL.RawPath = ""
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
