// Package node implements the server role: the bundle cache endpoints,
// worker creation, and the long-lived event and control streams.
package node

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hackermondev/worker-threads-clusters/pkg/bundle"
	"github.com/hackermondev/worker-threads-clusters/pkg/host"
	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/metrics"
	"github.com/hackermondev/worker-threads-clusters/pkg/protocol"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// DefaultGraceWindow is how long a worker spawned with exitOnRequestEnd
// survives with zero attached readers before termination.
const DefaultGraceWindow = time.Second

const authRealm = "worker_threads_nodes"

// Config holds node configuration.
type Config struct {
	// Name identifies the node; defaults to the hostname.
	Name string

	// Credentials is the static basic-auth pair every request must carry.
	Credentials types.Credentials

	// BundleDir is the scratch directory for cached artifacts.
	BundleDir string

	// CacheThreshold overrides the startup bulk-clear threshold.
	CacheThreshold int

	// GraceWindow overrides DefaultGraceWindow.
	GraceWindow time.Duration
}

// Server serves the node HTTP surface and owns every child process.
type Server struct {
	cfg      Config
	cache    *bundle.Cache
	registry *Registry
	sampler  *LoadSampler
	host     host.Host
	logger   zerolog.Logger
}

// NewServer opens the bundle cache (bulk-clearing it when over threshold)
// and prepares the HTTP surface.
func NewServer(cfg Config, h host.Host) (*Server, error) {
	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "node"
		}
		cfg.Name = hostname
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}

	cache, err := bundle.NewCache(cfg.BundleDir, cfg.CacheThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle cache: %w", err)
	}

	return &Server{
		cfg:      cfg,
		cache:    cache,
		registry: NewRegistry(),
		sampler:  NewLoadSampler(),
		host:     h,
		logger:   log.WithComponent("node"),
	}, nil
}

// Close terminates every live child and releases the cache.
func (s *Server) Close() error {
	for _, w := range s.registry.All() {
		if err := w.proc.Terminate(); err != nil {
			s.logger.Error().Err(err).Str("worker_id", w.ID).Msg("Failed to terminate worker on shutdown")
		}
	}
	return s.cache.Close()
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.serverHeader, s.basicAuth)

	r.HandleFunc("/", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/bundles/create", s.handleBundleCreate).Methods(http.MethodPost)
	r.HandleFunc("/bundles/{hash}", s.handleBundleDescribe).Methods(http.MethodGet)
	r.HandleFunc("/bundles/{hash}/data", s.handleBundleData).Methods(http.MethodPost)

	r.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	r.HandleFunc("/worker", s.handleWorkerCreate).Methods(http.MethodPost)
	r.HandleFunc("/worker/{id}/streams-pipe", s.handleStreamsAttach).Methods(http.MethodGet)
	r.HandleFunc("/worker/{id}/streams-pipe", s.handleControl).Methods(http.MethodPost)

	return r
}

// ListenAndServe runs the node until ctx is cancelled. Idle and response
// timeouts stay disabled: the worker streams are indefinite.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("addr", addr).Str("name", s.cfg.Name).Msg("Node listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return s.Close()
	}
}

func (s *Server) serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", fmt.Sprintf("%s/%s", types.Product, types.Version))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Credentials.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Credentials.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", authRealm))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NodeInfo{
		Name:        s.cfg.Name,
		NodeVersion: types.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.LoadSample{
		WorkersRunning: s.registry.Count(),
		CPUUsage:       s.sampler.Sample(),
	})
}

func (s *Server) handleBundleCreate(w http.ResponseWriter, r *http.Request) {
	var req types.CreateBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hash == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.cache.Create(req.Hash); err != nil {
		s.logger.Error().Err(err).Str("hash", req.Hash).Msg("Failed to reserve bundle slot")
		http.Error(w, "failed to reserve slot", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleBundleDescribe(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	record, err := s.cache.Describe(hash)
	if err != nil {
		metrics.BundleCacheMisses.Inc()
		http.Error(w, "bundle not found", http.StatusNotFound)
		return
	}
	metrics.BundleCacheHits.Inc()
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleBundleData(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
		http.Error(w, "binary body required", http.StatusBadRequest)
		return
	}
	compression := r.URL.Query().Get("compression")

	err := s.cache.Put(hash, r.Body, compression)
	switch {
	case errors.Is(err, bundle.ErrCompression):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, bundle.ErrNotReserved):
		http.Error(w, "no slot reserved", http.StatusNotFound)
	case err != nil:
		s.logger.Error().Err(err).Str("hash", hash).Msg("Failed to store bundle")
		http.Error(w, "failed to store bundle", http.StatusInternalServerError)
	default:
		metrics.BundleUploads.Inc()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.IDs())
}

func (s *Server) handleWorkerCreate(w http.ResponseWriter, r *http.Request) {
	var req types.CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	artifact, err := s.cache.Path(req.BundleHash)
	if err != nil {
		http.Error(w, "unknown bundle fingerprint", http.StatusBadRequest)
		return
	}

	// The node owns the child; its lifetime is not bound to this request.
	proc, err := s.host.Spawn(context.Background(), artifact, &req.ExtraData)
	if err != nil {
		s.logger.Error().Err(err).Str("hash", req.BundleHash).Msg("Failed to spawn child")
		http.Error(w, "failed to spawn worker", http.StatusInternalServerError)
		return
	}

	id := uuid.New().String()
	worker := newWorker(id, &req, proc, s.cfg.GraceWindow, func(wk *Worker) {
		s.registry.Remove(wk.ID)
		metrics.WorkersRunning.Dec()
	})
	s.registry.Add(worker)
	metrics.WorkersRunning.Inc()
	metrics.WorkersSpawned.Inc()
	s.logger.Info().Str("worker_id", id).Str("hash", req.BundleHash).Msg("Worker created")

	rd, initial, err := worker.Attach(req.ExitOnRequestEnd)
	if err != nil {
		http.Error(w, "worker already exited", http.StatusConflict)
		return
	}
	worker.Start()

	w.Header().Set("x-worker-id", id)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	s.streamEvents(w, r, worker, rd, initial)
}

func (s *Server) handleStreamsAttach(w http.ResponseWriter, r *http.Request) {
	worker := s.registry.Get(mux.Vars(r)["id"])
	if worker == nil {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	exitOnEnd := r.URL.Query().Has("exitOnRequestEnd")

	rd, initial, err := worker.Attach(exitOnEnd)
	if err != nil {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	s.streamEvents(w, r, worker, rd, initial)
}

// streamEvents writes the initial online record and then relays broadcast
// lines until the worker ends or the reader disconnects. A write failure
// drops only this reader.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, worker *Worker, rd *reader, initial []byte) {
	defer worker.Detach(rd)

	flusher, _ := w.(http.Flusher)
	if _, err := w.Write(initial); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-rd.lines:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	worker := s.registry.Get(mux.Vars(r)["id"])
	if worker == nil {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}

	parser := protocol.NewParser(worker.HandleControl)
	if err := parser.Drain(r.Body); err != nil {
		s.logger.Debug().Err(err).Str("worker_id", worker.ID).Msg("Control stream ended with error")
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
