// Package server constructs the hype-chat HTTP service with helpers that
// apply production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Routes registers every endpoint on a gorilla/mux router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/profile", s.ProfileHandler).Methods(http.MethodGet)
	r.HandleFunc("/messages/{userId}", s.HistoryHandler).Methods(http.MethodGet)
	return r
}

// CreateServer creates an HTTP server for handler on addr. WriteTimeout is
// left unset because hijacked websocket connections manage their own
// deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe runs srv until it is shut down. A clean shutdown is not an
// error.
func (s *Server) ListenAndServe(srv *http.Server) error {
	s.log.Info().Str("addr", srv.Addr).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every websocket
// connection, within timeout overall.
func (s *Server) Shutdown(srv *http.Server, timeout time.Duration) error {
	s.log.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var httpErr error
	if srv != nil {
		httpErr = srv.Shutdown(ctx)
		if httpErr != nil {
			s.log.Error().Err(httpErr).Msg("HTTP server shutdown error")
		}
	}

	remaining := time.Until(deadlineOf(ctx, timeout))
	hubErr := s.hub.Shutdown(max(remaining, time.Second))
	return errors.Join(httpErr, hubErr)
}

func deadlineOf(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
