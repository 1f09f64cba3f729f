// ============================================================================
// cronswarm HTTP Server - cluster wire endpoints
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose gossip, orchestrator and runner operations of one process
//          over JSON/HTTP. Roles the process does not serve answer 404.
//
// Routes:
//
//   POST /swim/v1/ping                              -> Gossip.HandlePing
//   POST /swim/v1/probe                             -> Gossip.HandleIndirectProbe
//   GET  /swim/v1/nodes?tag=&alive_only=            -> Gossip.ListNodes
//   GET  /swim/v1/self                              -> Gossip.Self
//
//   POST /orchestrator/v1/assignments               -> RequestJobAssignments
//   POST /orchestrator/v1/assignments/:job_id/reject
//   POST /orchestrator/v1/results                   -> one JobResult
//   POST /orchestrator/v1/results/batch             -> {"results": [...]}
//
//   GET  /runner/v1/stats
//   GET  /metrics, GET /healthz
//
// Errors are {"error": "..."} with 400 for validation, 404 for unknown ids
// or disabled roles and 500 otherwise.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/internal/orchestrator"
	"github.com/ChuLiYu/cronswarm/internal/runner"
	"github.com/ChuLiYu/cronswarm/internal/swim"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Gossip is served by *swim.Engine.
type Gossip interface {
	HandlePing(ctx context.Context, req swim.PingRequest) (swim.PingResponse, error)
	HandleIndirectProbe(ctx context.Context, req swim.ProbeRequest) (swim.ProbeResponse, error)
	ListNodes(ctx context.Context, f membership.Filter) ([]types.Node, error)
	Self(ctx context.Context) (types.Node, error)
}

// Orchestrator is served by *orchestrator.Orchestrator.
type Orchestrator interface {
	RequestJobAssignments(ctx context.Context, req orchestrator.AssignmentRequest) ([]types.JobDescription, error)
	RejectJobAssignment(ctx context.Context, jobID string) error
	SubmitJobResults(ctx context.Context, results []types.JobResult) (int, error)
}

// RunnerStats is served by *runner.Runner.
type RunnerStats interface {
	Stats(ctx context.Context) runner.Stats
}

// Deps wires the roles of this process. Nil roles are not served.
type Deps struct {
	Gossip       Gossip
	Orchestrator Orchestrator
	Runner       RunnerStats
	Metrics      *metrics.Collector
	Log          zerolog.Logger
}

var errRoleDisabled = errors.New("role not served by this node")

// Server is the HTTP front of one process.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New builds the router. Call Start to listen.
func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	g := s.engine.Group("/swim/v1")
	g.POST("/ping", s.ping)
	g.POST("/probe", s.probe)
	g.GET("/nodes", s.nodes)
	g.GET("/self", s.self)

	o := s.engine.Group("/orchestrator/v1")
	o.POST("/assignments", s.assignments)
	o.POST("/assignments/:job_id/reject", s.reject)
	o.POST("/results", s.result)
	o.POST("/results/batch", s.resultBatch)

	s.engine.GET("/runner/v1/stats", s.runnerStats)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Log.Error().Err(err).Msg("http server failed")
		}
	}()
	s.deps.Log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.http.Addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return err
}

// ============================================================================
// Gossip
// ============================================================================

func (s *Server) ping(c *gin.Context) {
	if s.deps.Gossip == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	var req swim.PingRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.deps.Gossip.HandlePing(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) probe(c *gin.Context) {
	if s.deps.Gossip == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	var req swim.ProbeRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.deps.Gossip.HandleIndirectProbe(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) nodes(c *gin.Context) {
	if s.deps.Gossip == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	f := membership.Filter{Tag: types.Tag(c.Query("tag"))}
	if v := c.Query("alive_only"); v != "" {
		alive, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: alive_only: %v", orchestrator.ErrInvalidRequest, err))
			return
		}
		f.AliveOnly = alive
	}
	nodes, err := s.deps.Gossip.ListNodes(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (s *Server) self(c *gin.Context) {
	if s.deps.Gossip == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	self, err := s.deps.Gossip.Self(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, self)
}

// ============================================================================
// Orchestrator
// ============================================================================

func (s *Server) assignments(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	var req orchestrator.AssignmentRequest
	if !s.bind(c, &req) {
		return
	}
	jobs, err := s.deps.Orchestrator.RequestJobAssignments(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.AssignmentResponse{Jobs: jobs})
}

func (s *Server) reject(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	if err := s.deps.Orchestrator.RejectJobAssignment(c.Request.Context(), c.Param("job_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) result(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	var r types.JobResult
	if !s.bind(c, &r) {
		return
	}
	s.storeResults(c, []types.JobResult{r})
}

func (s *Server) resultBatch(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	var batch orchestrator.ResultBatch
	if !s.bind(c, &batch) {
		return
	}
	s.storeResults(c, batch.Results)
}

func (s *Server) storeResults(c *gin.Context, results []types.JobResult) {
	n, err := s.deps.Orchestrator.SubmitJobResults(c.Request.Context(), results)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.SubmitResponse{Stored: n})
}

// ============================================================================
// Runner
// ============================================================================

func (s *Server) runnerStats(c *gin.Context) {
	if s.deps.Runner == nil {
		s.fail(c, errRoleDisabled)
		return
	}
	c.JSON(http.StatusOK, s.deps.Runner.Stats(c.Request.Context()))
}

// ============================================================================
// helpers
// ============================================================================

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.deps.Log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, membership.ErrInvalidNode),
		errors.Is(err, jobstore.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, errRoleDisabled),
		errors.Is(err, jobstore.ErrNotFound),
		errors.Is(err, membership.ErrNodeNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.deps.Log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
