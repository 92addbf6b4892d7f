// Package api is the operational HTTP surface: batch control, status
// and metrics, cache maintenance and ad-hoc single block lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	gethprom "github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/kayufok/chain-data/addrcache"
	"github.com/kayufok/chain-data/batch"
	"github.com/kayufok/chain-data/fetch"
)

// Processor is the slice of the batch processor the handlers use.
type Processor interface {
	Process(ctx context.Context) error
	RequestStop()
	IsRunning() bool
	Metrics() batch.Snapshot
}

// Cache is the slice of the address cache exposed for maintenance.
type Cache interface {
	DecayAndEvict()
	Stats() addrcache.Stats
}

// BlockReader serves the single-block lookup endpoint.
type BlockReader interface {
	BlockAddresses(ctx context.Context, number uint64) (*fetch.Result, error)
}

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// DefaultConfig binds to the conventional service port.
var DefaultConfig = Config{
	Addr:            ":8080",
	CORSOrigins:     []string{"*"},
	ShutdownTimeout: 5 * time.Second,
}

// Server routes the operational endpoints.
type Server struct {
	cfg       Config
	processor Processor
	cache     Cache
	reader    BlockReader
	srv       *http.Server
	log       log.Logger
}

// NewServer wires the routes. Start actually binds the listener.
func NewServer(cfg Config, processor Processor, cache Cache, reader BlockReader) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig.ShutdownTimeout
	}
	s := &Server{
		cfg:       cfg,
		processor: processor,
		cache:     cache,
		reader:    reader,
		log:       log.New("module", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/batch/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/batch/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/batch/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/batch/metrics", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/batch/memory-status", s.handleMemoryStatus).Methods(http.MethodGet)
	r.HandleFunc("/batch/cache-cleanup", s.handleCacheCleanup).Methods(http.MethodPost)
	r.HandleFunc("/block/{height}/addresses", s.handleBlockAddresses).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", gethprom.Handler(metrics.DefaultRegistry)).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Stop is called. Blocks; run it on its own
// goroutine.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// apiResponse is the envelope every endpoint replies with.
type apiResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func writeOK(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Data: data, Message: message})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, apiResponse{Status: "error", Message: message})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.processor.IsRunning() {
		writeError(w, http.StatusBadRequest, "Batch processing is already running")
		return
	}
	// The batch outlives the request; it carries its own lifecycle
	// context, not the request's.
	go func() {
		if err := s.processor.Process(context.Background()); err != nil {
			s.log.Error("Manually triggered batch failed", "err", err)
		}
	}()
	writeOK(w, nil, "Batch processing started")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.processor.IsRunning() {
		writeError(w, http.StatusBadRequest, "No batch processing is currently running")
		return
	}
	s.processor.RequestStop()
	writeOK(w, nil, "Stop requested, batch will halt at the next phase boundary")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.processor.Metrics(), "")
}

func (s *Server) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"memory": addrcache.ReadMemoryStats(),
		"cache":  s.cache.Stats(),
	}, "")
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	before := s.cache.Stats()
	s.cache.DecayAndEvict()
	after := s.cache.Stats()
	s.log.Info("Manual cache cleanup", "before", before.Size, "after", after.Size)
	writeOK(w, map[string]any{
		"sizeBefore": before.Size,
		"sizeAfter":  after.Size,
		"cache":      after,
	}, "Cache cleanup completed")
}

func (s *Server) handleBlockAddresses(w http.ResponseWriter, r *http.Request) {
	number, err := fetch.ParseBlockNumber(mux.Vars(r)["height"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.reader.BlockAddresses(r.Context(), number)
	if err != nil {
		kind, ok := fetch.KindOf(err)
		switch {
		case ok && kind == fetch.NotFound:
			writeError(w, http.StatusNotFound, err.Error())
		case ok && kind == fetch.Timeout:
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	addresses := result.Addresses.ToSlice()
	sort.Strings(addresses)
	writeOK(w, map[string]any{
		"blockNumber":      result.Number,
		"blockHash":        result.Hash,
		"timestamp":        result.Time,
		"transactionCount": result.TxCount,
		"addressCount":     len(addresses),
		"addresses":        addresses,
	}, "")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "UP"}, "")
}
