package executor

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"forge/internal/logging"
)

// apiError is the wire shape of every error response.
type apiError struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, apiError{Code: code, Error: message})
}

// API serves one executor's local control surface. All routes except the
// liveness probe require the process's own bearer token, which only the pool
// knows.
type API struct {
	service   *Service
	authToken string
	logger    logging.Logger
}

// NewAPI builds the executor HTTP handler.
func NewAPI(service *Service, authToken string, logger logging.Logger) *API {
	return &API{service: service, authToken: authToken, logger: logger}
}

// Router assembles the gin engine.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health/live", a.handleLive)

	v1 := r.Group("/v1", a.requireAuth)
	{
		v1.POST("/sessions", a.handleCreateSession)
		v1.POST("/sessions/import", a.handleImportSession)
		v1.POST("/jobs", a.handleCreateJob)
		v1.GET("/jobs/:id", a.handleGetJob)
		v1.GET("/jobs/:id/events", a.handleGetEvents)
		v1.POST("/jobs/:id/cancel", a.handleCancelJob)
		v1.GET("/jobs/:id/diff", a.handleGetDiff)
	}

	return r
}

func (a *API) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.authToken)) != 1 {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
		return
	}
	c.Next()
}

func (a *API) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Name      string `json:"name"`
}

func (a *API) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := a.service.InitSession(req.SessionID, req.Name); err != nil {
		writeError(c, http.StatusConflict, "SESSION_MISMATCH", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": req.SessionID})
}

func (a *API) handleImportSession(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "sessionId query parameter is required")
		return
	}
	archive, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "unreadable archive body")
		return
	}
	if err := a.service.ImportArchive(sessionID, c.Query("name"), archive); err != nil {
		if errors.Is(err, ErrSessionMismatch) {
			writeError(c, http.StatusConflict, "SESSION_MISMATCH", err.Error())
			return
		}
		a.logger.Error("Archive import failed: %v", err)
		writeError(c, http.StatusInternalServerError, "IMPORT_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sessionID})
}

func (a *API) handleCreateJob(c *gin.Context) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		writeError(c, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required")
		return
	}

	var spec JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	job, created, err := a.service.SubmitJob(key, spec)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotInitialized):
			writeError(c, http.StatusConflict, "SESSION_NOT_INITIALIZED", err.Error())
		case errors.Is(err, ErrJobActive):
			writeError(c, http.StatusConflict, "JOB_ACTIVE", err.Error())
		default:
			writeError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"jobId":   job.ID,
		"state":   job.State,
		"created": created,
	})
}

func (a *API) handleGetJob(c *gin.Context) {
	job, err := a.service.GetJob(c.Param("id"))
	if err != nil {
		a.writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) handleGetEvents(c *gin.Context) {
	after := int64(-1)
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_CURSOR", "after must be an integer")
			return
		}
		after = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_CURSOR", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events, nextAfter, err := a.service.ReadEvents(c.Param("id"), after, limit)
	if err != nil {
		a.writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"nextAfter": nextAfter,
	})
}

func (a *API) handleCancelJob(c *gin.Context) {
	if err := a.service.CancelJob(c.Param("id")); err != nil {
		a.writeJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (a *API) handleGetDiff(c *gin.Context) {
	diff, err := a.service.Diff(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNoVersionControl) {
			writeError(c, http.StatusConflict, "NO_VERSION_CONTROL", err.Error())
			return
		}
		a.writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

func (a *API) writeJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotInitialized):
		writeError(c, http.StatusConflict, "SESSION_NOT_INITIALIZED", err.Error())
	case errors.Is(err, ErrJobNotFound):
		writeError(c, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
	default:
		a.logger.Error("Executor request failed: %v", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
