package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hirevo/alexandrie/internal/db"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	authorKey
)

// requestID tags every request with a stable id carried in logs and in
// the X-Request-Id response header.
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		h.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// authenticate resolves the Cargo auth token into an account. Cargo
// sends the bare token in the Authorization header.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			writeErrorDetail(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		author, err := h.meta.FindAuthorByToken(r.Context(), h.meta.DB(), token)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeErrorDetail(w, http.StatusForbidden, "invalid authentication token")
				return
			}
			h.logger.Error("token lookup failed", zap.Error(err))
			writeErrorDetail(w, http.StatusInternalServerError, "internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authorKey, author)))
	})
}

func callerFrom(ctx context.Context) *db.Author {
	author, _ := ctx.Value(authorKey).(*db.Author)
	return author
}
