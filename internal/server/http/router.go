package http

import (
	"github.com/gin-gonic/gin"
)

// Router assembles the gateway's route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.logger), CORSMiddleware())

	r.GET("/health/live", s.handleLive)
	r.GET("/health/ready", RequireMaster(s.masterToken, s.tokens), s.handleReady)

	sessions := r.Group("/v1/sessions", RequireMaster(s.masterToken, s.tokens))
	{
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.DELETE("/:id", s.handleDeleteSession)
	}

	jobs := r.Group("/v1/jobs", RequireSession(s.masterToken, s.tokens))
	{
		jobs.Any("", s.handleJobProxy)
		jobs.Any("/*path", s.handleJobProxy)
	}

	return r
}
