package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
)

const (
	defaultLimit       = 100
	maxLimit           = 1000
	defaultCleanupDays = 30
	readyTimeout       = 2 * time.Second
)

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func internalError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// queryInt reads a positive integer query parameter, capped at maxValue.
func queryInt(c echo.Context, name string, def, maxValue int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return min(n, maxValue), nil
}

func platformParam(c echo.Context) string {
	return strings.ToLower(c.Param("platform"))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(s.deps.ReadyChecks))
	for name := range s.deps.ReadyChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	status := http.StatusOK
	for _, name := range names {
		if err := s.deps.ReadyChecks[name](ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	return c.JSON(status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}

func (s *Server) handleEnqueue(c echo.Context) error {
	var in queue.EnqueueInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	in.Platform = strings.ToLower(in.Platform)

	r, err := s.deps.Queue.Enqueue(c.Request().Context(), in)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return badRequest(c, err.Error())
		}
		return internalError(c, err)
	}
	return c.JSON(http.StatusAccepted, r)
}

func (s *Server) handleGetRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid request id")
	}
	r, err := s.deps.Queue.Get(c.Request().Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handlePlatforms(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"platforms": s.deps.Flusher.Platforms()})
}

func (s *Server) handleFlush(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultLimit, maxLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}
	res, err := s.deps.Flusher.Flush(c.Request().Context(), platformParam(c), limit)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.deps.Queue.Stats(c.Request().Context(), platformParam(c))
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleRetry(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultLimit, maxLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}
	n, err := s.deps.Queue.RetryFailed(c.Request().Context(), platformParam(c), limit)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleBatches(c echo.Context) error {
	limit, err := queryInt(c, "limit", 20, maxLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}
	recs, err := s.deps.ExecutionLog.Recent(c.Request().Context(), platformParam(c), limit)
	if err != nil {
		return internalError(c, err)
	}
	if recs == nil {
		recs = []batch.ExecutionRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"batches": recs})
}

func (s *Server) handleRateLimit(c echo.Context) error {
	st, err := s.deps.Limiter.Remaining(c.Request().Context(), platformParam(c), c.Param("connection"))
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"platform":      st.Platform,
		"connection_id": st.ConnectionID,
		"remaining":     st.Remaining,
		"limit":         st.Limit,
		"reset_at":      st.ResetAt,
		"can_call":      !st.Exhausted(),
	})
}

func (s *Server) handleRateLimitReset(c echo.Context) error {
	if err := s.deps.Limiter.Reset(c.Request().Context(), platformParam(c), c.Param("connection")); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c echo.Context) error {
	var body cancelBody
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	if body.Reason == "" {
		body.Reason = "connection disabled"
	}
	n, err := s.deps.Queue.CancelForConnection(c.Request().Context(), c.Param("connection"), body.Reason)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleCleanup(c echo.Context) error {
	days, err := queryInt(c, "days", defaultCleanupDays, 3650)
	if err != nil {
		return badRequest(c, err.Error())
	}
	n, err := s.deps.Queue.Cleanup(c.Request().Context(), days)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleInvalidateCache(c echo.Context) error {
	pattern := strings.TrimSpace(c.QueryParam("pattern"))
	if pattern == "" {
		return badRequest(c, "pattern is required")
	}
	n, err := s.deps.Cache.InvalidatePattern(c.Request().Context(), pattern)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}
