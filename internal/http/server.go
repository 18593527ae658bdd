package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/metrics"
	"treemapdb/pkg/raftadapter"
	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeBinary      = "application/octet-stream"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxRequestBody         = 16 << 20
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error
}

// ServedPartition is a partition this node answers for. Its registry lists
// the operations it accepts.
type ServedPartition interface {
	cluster.Partition
	Registry() *service.Registry
}

type Options struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger
	// Metrics collects per-operation counters. Nil gets a private registry.
	Metrics *metrics.Registry
}

// Server exposes the partitions of this node over HTTP.
type Server struct {
	partitions map[types.PartitionID]ServedPartition
	order      []types.PartitionID
	node       iRaftNode // nil без raft
	logger     *slog.Logger
	metrics    *metrics.Registry

	httpServer        *http.Server
	listener          net.Listener
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance
func NewServer(opts Options, partitions ...ServedPartition) *Server {
	if opts.Port == 0 {
		opts.Port = defaultHTTPPort
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	port := strconv.Itoa(opts.Port)
	s := &Server{
		partitions:        make(map[types.PartitionID]ServedPartition, len(partitions)),
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		readHeaderTimeout: opts.ReadHeaderTimeout,
		shutdownTimeout:   opts.ShutdownTimeout,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
	for _, p := range partitions {
		s.partitions[p.ID()] = p
		s.order = append(s.order, p.ID())
	}
	slices.Sort(s.order)
	return s
}

// SetRaftNode enables the raft endpoint.
func (s *Server) SetRaftNode(node iRaftNode) {
	s.node = node
}

// Handler returns the router of the server.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/partitions", func(r chi.Router) {
		r.Get("/", s.handlePartitions)
		r.Route("/{partition}/operations", func(r chi.Router) {
			r.Get("/", s.handleOperations)
			r.Post("/{operation}", s.handleExecute)
			r.Post("/{operation}/stream", s.handleStream)
		})
	})

	// Raft endpoint только если есть node
	if s.node != nil {
		r.Post(raftadapter.RaftEndpoint, s.handleRaft)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL, "partitions", s.order)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps err to a status: 404 for what does not exist here, 422
// when the operation itself failed, 500 otherwise.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrUnknownPartition), errors.Is(err, dberrors.ErrUnknownOperation):
		status = http.StatusNotFound
	case dberrors.IsApplication(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dberrors.ErrNotLeader):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err))
}

func (s *Server) resolve(r *http.Request) (ServedPartition, service.OperationID, error) {
	id := types.PartitionID(chi.URLParam(r, "partition"))
	part, ok := s.partitions[id]
	if !ok {
		return nil, service.OperationID{}, fmt.Errorf("partition %s: %w", id, dberrors.ErrUnknownPartition)
	}
	name := chi.URLParam(r, "operation")
	op, ok := part.Registry().Lookup(name)
	if !ok {
		return nil, service.OperationID{}, fmt.Errorf("%s: %w", name, dberrors.ErrUnknownOperation)
	}
	return part, op, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.SetGauge("treemap_partitions", nil, float64(len(s.order)))
	for _, id := range s.order {
		s.metrics.SetGauge("treemap_partition_operations", map[string]string{"partition": string(id)},
			float64(len(s.partitions[id].Registry().Operations())))
	}
	if s.node != nil {
		leader := 0.0
		if s.node.IsLeader() {
			leader = 1
		}
		s.metrics.SetGauge("treemap_raft_leader", nil, leader)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if _, err := io.WriteString(w, "# TreeMapDB Metrics\n"); err != nil {
		s.logger.Warn("Failed to write metrics response", "error", err)
		return
	}
	if err := s.metrics.WriteText(w); err != nil {
		s.logger.Warn("Failed to write metrics response", "error", err)
	}
}

// observe records one executed operation.
func (s *Server) observe(part ServedPartition, op service.OperationID, started time.Time, err error) {
	labels := map[string]string{
		"partition": string(part.ID()),
		"operation": op.Name,
		"result":    "ok",
	}
	if err != nil {
		labels["result"] = service.ErrorKind(err)
	}
	s.metrics.IncCounter("treemap_operations_total", labels, 1)
	delete(labels, "result")
	s.metrics.ObserveHistogram("treemap_operation_duration_seconds", labels, time.Since(started).Seconds())
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, len(s.order))
	for i, id := range s.order {
		ids[i] = string(id)
	}
	s.writeJSON(w, http.StatusOK, NewListResponse(ids))
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	id := types.PartitionID(chi.URLParam(r, "partition"))
	part, ok := s.partitions[id]
	if !ok {
		s.writeError(w, fmt.Errorf("partition %s: %w", id, dberrors.ErrUnknownPartition))
		return
	}
	ops := part.Registry().Operations()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.String()
	}
	s.writeJSON(w, http.StatusOK, NewListResponse(names))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	part, op, err := s.resolve(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err))
		return
	}

	started := time.Now()
	out, err := part.Execute(r.Context(), op, payload)
	s.observe(part, op, started, err)
	if err != nil {
		s.logger.Debug("operation failed", "partition", part.ID(), "operation", op.Name, "error", err)
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeBinary)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// handleStream answers with a frame per element. Errors before the first
// frame still get a JSON body; later ones travel as error frames. A ready
// frame follows once the partition has accepted the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	part, op, err := s.resolve(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(errors.New("streaming unsupported")))
		return
	}

	w.Header().Set("Content-Type", contentTypeBinary)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fw := service.NewFrameWriter(w, flusher.Flush)
	defer fw.Detach()
	started := time.Now()
	err = part.ExecuteStream(r.Context(), op, payload, fw)
	s.observe(part, op, started, err)
	if err != nil {
		s.logger.Debug("stream failed", "partition", part.ID(), "operation", op.Name, "error", err)
		fw.Error(err)
	} else {
		fw.Ready()
	}
	select {
	case <-fw.Done():
	case <-r.Context().Done():
	}
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(errors.New("raft node not available")))
		return
	}

	msg, err := raftadapter.DecodeMessage(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
