package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"forge/internal/executor"
)

// maxProxyBody bounds buffered executor responses. Job payloads and event
// pages are small JSON; diffs are the largest and still fit comfortably.
const maxProxyBody = 8 << 20

// handleJobProxy forwards a job request to the session's executor, injecting
// the pool→child credential. The session token never reaches the child and
// the child token never reaches the client. Routing counts as session
// activity, so an actively polled session is never idle-evicted.
func (s *Server) handleJobProxy(c *gin.Context) {
	sessionID := c.GetString(sessionIDKey)

	endpoint, childToken, err := s.manager.Route(sessionID)
	if err != nil {
		writeSessionError(c, err)
		return
	}

	target := endpoint + "/v1/jobs" + c.Param("path")
	if rq := c.Request.URL.RawQuery; rq != "" {
		target += "?" + rq
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	req.Header.Set("Authorization", "Bearer "+childToken)

	start := time.Now()
	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Warn("Executor for session %s unreachable: %v", sessionID, err)
		writeError(c, http.StatusBadGateway, CodeExecutorUnreachable, "executor process is unreachable")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		writeError(c, http.StatusBadGateway, CodeExecutorUnreachable, "executor response truncated")
		return
	}

	s.observeJobActivity(sessionID, c.Request.Method, c.Param("path"), resp.StatusCode, body)
	if s.metrics != nil {
		s.metrics.RecordProxyRequest(c.Request.Context(), c.Request.Method, resp.StatusCode, time.Since(start))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}

// observeJobActivity derives the session's busy/ready flips from the traffic
// the proxy already carries, so no extra child polling is needed.
func (s *Server) observeJobActivity(sessionID, method, path string, status int, body []byte) {
	var payload struct {
		State executor.JobState `json:"state"`
	}

	switch {
	case method == http.MethodPost && (path == "" || path == "/"):
		// Job creation (or replay). Only a live job makes the session busy.
		if status != http.StatusCreated && status != http.StatusOK {
			return
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return
		}
		if payload.State.Terminal() {
			return
		}
		s.manager.MarkBusy(sessionID)

	case method == http.MethodGet && isJobStatusPath(path):
		if status != http.StatusOK {
			return
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return
		}
		if payload.State.Terminal() {
			s.manager.MarkReady(sessionID)
		}
	}
}

// isJobStatusPath matches "/{jobId}" with no trailing segments.
func isJobStatusPath(path string) bool {
	trimmed := strings.TrimPrefix(path, "/")
	return trimmed != "" && !strings.Contains(trimmed, "/")
}
