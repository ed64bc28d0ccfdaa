// Package web serves the operational status pages over HTTP.
package web

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mailgram/mailgram/pkg/config"
	"github.com/mailgram/mailgram/pkg/msghub"
	"github.com/mailgram/mailgram/pkg/stats"
	"github.com/rs/zerolog/log"
)

// Server exposes relay status over HTTP: current counters, recently
// processed messages and the expvar debug page.
type Server struct {
	config   config.Web
	hub      *msghub.Hub
	agg      *stats.Aggregator
	router   *mux.Router
	listener net.Listener
	notify   chan error
}

// NewServer creates a new, unstarted, status web server.
func NewServer(webConfig config.Web, hub *msghub.Hub, agg *stats.Aggregator) *Server {
	s := &Server{
		config: webConfig,
		hub:    hub,
		agg:    agg,
		router: mux.NewRouter(),
		notify: make(chan error, 1),
	}
	s.router.HandleFunc("/status", s.statusHandler).Methods("GET")
	s.router.HandleFunc("/recent", s.recentHandler).Methods("GET")
	s.router.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	return s
}

// Start begins listening for HTTP requests, blocking until ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	slog := log.With().Str("module", "web").Logger()
	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// ListenAndServe lacks a way to close the listener.
	var err error
	s.listener, err = net.Listen("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.notify <- err
		return
	}
	slog.Info().Str("addr", s.config.Addr).Msg("Status server listening on tcp4")

	go func() {
		// Serve blocks until we close the listener.
		if err := server.Serve(s.listener); err != nil {
			select {
			case <-ctx.Done():
				// Nop, shutting down.
			default:
				slog.Error().Err(err).Msg("Status server failed")
				s.notify <- err
			}
		}
	}()

	<-ctx.Done()
	slog.Debug().Msg("Status server shutting down on request")
	if err := s.listener.Close(); err != nil {
		slog.Error().Err(err).Msg("Failed to close status listener")
	}
}

// Notify allows the running web server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}

// statusHandler renders the current counters without resetting them.
func (s *Server) statusHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, s.agg.Peek())
}

// recentHandler renders the processed message history, oldest first.
func (s *Server) recentHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, s.hub.History())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Str("module", "web").Err(err).Msg("Failed to encode JSON response")
	}
}
