package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/crucible-data/refinery/internal/changelog"
	"github.com/crucible-data/refinery/internal/model"
	"github.com/gin-gonic/gin"
)

// ChangeFeed is the change-log contract required by the status and
// administrative surfaces.
type ChangeFeed interface {
	Offset(ctx context.Context, consumerID string) (int64, error)
	HasPending(ctx context.Context, consumerID string) (bool, error)
	Paused(consumerID string) bool
	Pause(consumerID string)
	Resume(consumerID string)
	ResetOffset(ctx context.Context, consumerID string, seq int64) error
}

// StatusStore is the narrow store contract required by the HTTP API.
type StatusStore interface {
	RawCount(ctx context.Context) (int64, error)
	MaxSequence(ctx context.Context) (int64, error)
	EnhancedCount(ctx context.Context) (int64, error)
	ListTaskRuns(ctx context.Context, consumerID string, limit int) ([]*model.TaskRun, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}

// SchedulerStateFn reports a consumer's scheduler state for the status
// surface; nil when the consumer has no scheduler.
type SchedulerStateFn func(consumerID string) string

// Server provides the operational HTTP API: health, per-consumer status and
// run history, pause/resume/offset-reset administration, dead letters, and
// Prometheus metrics.
type Server struct {
	addr      string
	feed      ChangeFeed
	store     StatusStore
	stateFn   SchedulerStateFn
	metrics   http.Handler
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. metricsHandler may be nil.
func NewServer(addr string, feed ChangeFeed, store StatusStore, stateFn SchedulerStateFn, metricsHandler http.Handler) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		feed:    feed,
		store:   store,
		stateFn: stateFn,
		metrics: metricsHandler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/consumers/:id", s.handleConsumerStatus)
	r.GET("/api/consumers/:id/runs", s.handleConsumerRuns)
	r.POST("/api/consumers/:id/pause", s.handlePause)
	r.POST("/api/consumers/:id/resume", s.handleResume)
	r.PUT("/api/consumers/:id/offset", s.handleResetOffset)
	r.GET("/api/deadletters", s.handleDeadLetters)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	rawCount, err := s.store.RawCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}
	enhancedCount, err := s.store.EnhancedCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         time.Since(s.startTime).String(),
		"raw_count":      rawCount,
		"enhanced_count": enhancedCount,
	})
}

func (s *Server) handleConsumerStatus(c *gin.Context) {
	consumerID := c.Param("id")
	ctx := c.Request.Context()

	offset, err := s.feed.Offset(ctx, consumerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read offset"})
		return
	}
	watermark, err := s.store.MaxSequence(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read high watermark"})
		return
	}
	lag := watermark - offset
	if lag < 0 {
		lag = 0
	}

	resp := gin.H{
		"consumer_id": consumerID,
		"offset":      offset,
		"pending":     lag > 0,
		"lag":         lag,
		"paused":      s.feed.Paused(consumerID),
	}
	if s.stateFn != nil {
		resp["state"] = s.stateFn(consumerID)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConsumerRuns(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), model.DefaultRunHistory)
	runs, err := s.store.ListTaskRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read task runs"})
		return
	}

	out := make([]gin.H, 0, len(runs))
	for _, r := range runs {
		entry := gin.H{
			"run_id":        r.RunID,
			"consumer_id":   r.ConsumerID,
			"status":        r.Status,
			"offset_before": r.OffsetBefore,
			"offset_after":  r.OffsetAfter,
			"transformed":   r.Transformed,
			"dead_lettered": r.DeadLettered,
			"started_at":    r.StartedAt,
		}
		if r.ErrorDetail != "" {
			entry["error"] = r.ErrorDetail
		}
		if !r.FinishedAt.IsZero() {
			entry["finished_at"] = r.FinishedAt
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *Server) handlePause(c *gin.Context) {
	s.feed.Pause(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.feed.Resume(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type resetOffsetRequest struct {
	SequenceID *int64 `json:"sequence_id"`
}

func (s *Server) handleResetOffset(c *gin.Context) {
	var req resetOffsetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SequenceID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"sequence_id\": <n>}"})
		return
	}

	err := s.feed.ResetOffset(c.Request.Context(), c.Param("id"), *req.SequenceID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"offset": *req.SequenceID})
	case errors.Is(err, changelog.ErrConsumerActive), errors.Is(err, changelog.ErrConcurrentCommit):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, changelog.ErrStaleOffset):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset offset"})
	}
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), model.DefaultRunHistory)
	letters, err := s.store.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read dead letters"})
		return
	}

	out := make([]gin.H, 0, len(letters))
	for _, d := range letters {
		out = append(out, gin.H{
			"source_sequence_id": d.SourceSequenceID,
			"source_file_id":     d.SourceFileID,
			"reason":             d.Reason,
			"fields":             d.Fields,
			"occurred_at":        d.OccurredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": out})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
