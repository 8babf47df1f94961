package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"forge/internal/logging"
	"forge/internal/observability"
	"forge/internal/pool"
)

// Server is the pool's public gateway: session management under the master
// token, job proxying under session tokens.
type Server struct {
	manager     *pool.Manager
	tokens      *pool.TokenService
	masterToken string
	retryAfter  time.Duration
	metrics     *observability.MetricsCollector
	logger      logging.Logger
	proxyClient *http.Client
}

// NewServer wires the gateway. metrics may be nil.
func NewServer(manager *pool.Manager, tokens *pool.TokenService, masterToken string, retryAfter time.Duration, metrics *observability.MetricsCollector, logger logging.Logger) *Server {
	return &Server{
		manager:     manager,
		tokens:      tokens,
		masterToken: masterToken,
		retryAfter:  retryAfter,
		metrics:     metrics,
		logger:      logger,
		proxyClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	report := s.manager.Readiness()
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

type createSessionRequest struct {
	Name     string `json:"name" binding:"required"`
	RepoPath string `json:"repoPath" binding:"required"`
}

type sessionResponse struct {
	pool.Session
	Token string `json:"token,omitempty"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	// Validation happens before admission so a bad request never consumes
	// a pool slot. Whitespace-only values count as missing.
	req.Name = strings.TrimSpace(req.Name)
	req.RepoPath = strings.TrimSpace(req.RepoPath)
	if req.Name == "" {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "name is required")
		return
	}
	if req.RepoPath == "" {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "repoPath is required")
		return
	}

	sess, token, err := s.manager.CreateSession(c.Request.Context(), req.Name, req.RepoPath)
	if err != nil {
		if errors.Is(err, pool.ErrCapacity) {
			c.Header("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
			writeError(c, http.StatusTooManyRequests, CodePoolAtCapacity, err.Error())
			return
		}
		s.logger.Error("Session creation failed: %v", err)
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	c.JSON(http.StatusCreated, sessionResponse{Session: sess, Token: token})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.List()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.manager.Get(c.Param("id"))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Teardown(c.Request.Context(), id); err != nil {
		if errors.Is(err, pool.ErrInvalidState) {
			writeError(c, http.StatusConflict, CodeSessionEvicting, fmt.Sprintf("session %s cannot be deleted in its current state", id))
			return
		}
		writeSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
