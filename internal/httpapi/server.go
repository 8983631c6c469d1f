// Package httpapi is the collector's minimal operational HTTP surface:
// liveness, readiness, and a Prometheus scrape endpoint. The interactive
// RIB query and subscription surface (internal/query.Service) is a
// transport-agnostic Go API by design; wiring it onto HTTP/WebSocket
// routes is left to a caller outside this repo, matching how this
// collector's wire codec and config format are also treated as externally
// supplied concerns.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConsumerStatus reports whether an optional Kafka consumer group has
// joined. Implemented by kafkabmp.Consumer.
type ConsumerStatus interface {
	IsJoined() bool
}

// ArchiveChecker abstracts the audit sink's connection health check.
// Implemented by *pgxpool.Pool.
type ArchiveChecker interface {
	Ping(ctx context.Context) error
}

// Server exposes /healthz, /readyz, and /metrics over addr. Both
// archiveChecker and kafkaConsumer are optional: this collector ingests
// BGP/BMP sessions and answers RIB queries with neither configured, so
// their absence does not fail readiness, only their configured-but-failing
// state does.
type Server struct {
	srv            *http.Server
	archiveChecker ArchiveChecker
	kafkaConsumer  ConsumerStatus
	logger         *zap.Logger
}

func NewServer(addr string, archiveChecker ArchiveChecker, kafkaConsumer ConsumerStatus, logger *zap.Logger) *Server {
	s := &Server{
		archiveChecker: archiveChecker,
		kafkaConsumer:  kafkaConsumer,
		logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.archiveChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.archiveChecker.Ping(ctx); err != nil {
			checks["archive"] = "error"
			allOK = false
		} else {
			checks["archive"] = "ok"
		}
	}

	if s.kafkaConsumer != nil {
		if s.kafkaConsumer.IsJoined() {
			checks["kafka_bmp"] = "ok"
		} else {
			checks["kafka_bmp"] = "not_joined"
			allOK = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
