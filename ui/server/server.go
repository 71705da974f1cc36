// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/olivere/gcjob"
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	m        *gcjob.Manager
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	public   string
	interval time.Duration
	hub      *hub
}

// Option configures a Server.
type Option func(*Server)

// SetLogger sets the logger of the server.
func SetLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// SetGatherer exposes the metrics of gatherer at /metrics.
func SetGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// SetPublicDir sets the directory with the static files of the UI.
func SetPublicDir(dir string) Option {
	return func(s *Server) { s.public = dir }
}

// SetInterval sets how often the state is pushed to the clients.
func SetInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New initializes a new Server.
func New(m *gcjob.Manager, options ...Option) *Server {
	s := &Server{
		m:        m,
		logger:   zap.NewNop(),
		public:   "public",
		interval: time.Second,
	}
	for _, o := range options {
		o(s)
	}
	s.hub = newHub(s.logger)
	return s
}

// Handler returns the routes of the server.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{srv: srv})
	r.HandleFunc("/api/stats", srv.handleStats)
	r.HandleFunc("/api/jobs", srv.handleJobs)
	r.HandleFunc("/api/jobs/", srv.handleJob)
	if srv.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	}
	r.Handle("/", http.FileServer(http.Dir(srv.public)))
	return r
}

// Run pushes state updates to the WebSocket clients until ctx is done.
func (srv *Server) Run(ctx context.Context) {
	go srv.hub.run(ctx)
	watcher(ctx, srv.m, srv.interval, srv.hub, srv.logger)
}

// Serve starts the web server at the given address. It returns when
// ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: srv.Handler()}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.Run(ctx)

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.m.Stats(r.Context())
	if err != nil {
		srv.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.m.Jobs())
}

func (srv *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	rec, err := srv.m.Lookup(r.Context(), id)
	if err != nil {
		srv.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (srv *Server) error(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, gcjob.ErrNotFound) {
		code = http.StatusNotFound
	} else {
		srv.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
