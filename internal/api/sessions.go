// Package api serves tuning sessions over HTTP: start plans in the
// background, cancel them and read archived sessions and results.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/metrics"
	"github.com/samcharles93/ktune/internal/plan"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/runner"
)

type Config struct {
	Archive *archive.Archive
	// Runner must record into Archive.
	Runner *runner.Runner
	// Metrics is optional. When set, /metrics serves it.
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

type Server struct {
	ctx     context.Context
	archive *archive.Archive
	runner  *runner.Runner
	metrics *metrics.Metrics
	log     logger.Logger
	active  *activeSessions
}

// NewServer creates a server. Sessions it starts are cancelled when ctx is.
func NewServer(ctx context.Context, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Server{
		ctx:     ctx,
		archive: cfg.Archive,
		runner:  cfg.Runner,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		active:  newActiveSessions(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/sessions", s.handleListSessions)
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.GET("/v1/sessions/:id/results", s.handleResults)
	e.GET("/v1/sessions/:id/best", s.handleBest)
	e.POST("/v1/sessions/:id/cancel", s.handleCancel)

	if s.metrics != nil {
		h := s.metrics.Handler()
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

// Wait blocks until every session started by the server has finished.
func (s *Server) Wait() { s.active.wait() }

// Running returns the number of sessions in flight.
func (s *Server) Running() int { return s.active.len() }

func (s *Server) handleListSessions(c *echo.Context) error {
	list, err := s.archive.Sessions()
	if err != nil {
		return writeError(c, err)
	}
	if state := c.QueryParam("state"); state != "" {
		filtered := list[:0]
		for _, sess := range list {
			if string(sess.State) == state {
				filtered = append(filtered, sess)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []archive.Session{}
	}
	return c.JSON(http.StatusOK, SessionList{Object: "list", Data: list})
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil {
		return writeError(c, err)
	}
	if strings.TrimSpace(req.Plan) == "" {
		return writeError(c, newInvalidRequest("plan is required"))
	}
	if req.Devices < 0 {
		return writeError(c, newInvalidRequest("devices must not be negative"))
	}
	filename := req.Filename
	if filename == "" {
		filename = "request.hcl"
	}
	p, err := plan.Parse([]byte(req.Plan), filename)
	if err != nil {
		return writeError(c, invalid(err))
	}
	if req.Backend != "" {
		p.Backend.Name = req.Backend
	}
	if req.Devices > 0 {
		p.Backend.Devices = req.Devices
	}

	run, err := s.runner.Prepare(p)
	if err != nil {
		return writeError(c, invalid(err))
	}
	id := run.Session.ID
	ctx, cancel := context.WithCancel(s.ctx)
	s.active.add(id, cancel)
	go func() {
		defer s.active.done(id)
		store, err := run.Execute(ctx)
		log := s.log.With("session", id, "plan", p.Name)
		switch {
		case err == nil:
			log.Info("session finished", "attempted", store.Len())
		case errors.Is(err, context.Canceled):
			log.Info("session cancelled")
		default:
			log.Warn("session failed", "error", err)
		}
	}()

	return c.JSON(http.StatusAccepted, run.Session)
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, err := s.archive.Session(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleResults(c *echo.Context) error {
	id := c.Param("id")
	results, err := s.archive.Results(id)
	if err != nil {
		return writeError(c, err)
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return writeError(c, err)
	}
	if status := c.QueryParam("status"); status != "" {
		filtered := results[:0]
		for _, r := range results {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	sum := result.Summarize(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []result.Result{}
	}
	return c.JSON(http.StatusOK, ResultList{Object: "list", SessionID: id, Data: results, Summary: sum})
}

func (s *Server) handleBest(c *echo.Context) error {
	id := c.Param("id")
	sess, err := s.archive.Session(id)
	if err != nil {
		return writeError(c, err)
	}
	if sess.Best != nil {
		return c.JSON(http.StatusOK, sess.Best)
	}
	if sess.State != archive.StateRunning {
		return writeError(c, newNotFound("session %s has no successful result", id))
	}
	// Running sessions have no final best yet, pick it from what was recorded.
	results, err := s.archive.Results(id)
	if err != nil {
		return writeError(c, err)
	}
	store := result.NewStore(sess.Policy)
	for _, r := range results {
		store.Append(r)
	}
	best, ok := store.Best(sess.Metric)
	if !ok {
		return writeError(c, newNotFound("session %s has no successful result yet", id))
	}
	return c.JSON(http.StatusOK, best)
}

func (s *Server) handleCancel(c *echo.Context) error {
	id := c.Param("id")
	sess, err := s.archive.Session(id)
	if err != nil {
		return writeError(c, err)
	}
	if !s.active.stop(id) {
		return writeError(c, newConflict("session %s is not running (%s)", id, sess.State))
	}
	return c.JSON(http.StatusAccepted, sess)
}
