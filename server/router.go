package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) setupRouter() *gin.Engine {
	ginMode := os.Getenv("GIN_MODE")
	if ginMode == "test" {
		r := gin.New()
		s.defineRoutes(r)
		return r
	}

	r := gin.New()

	// LoggerWithFormatter middleware will write the logs to gin.DefaultWriter
	// By default gin.DefaultWriter = os.Stdout
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	r.Use(gin.Recovery())
	r.Use(cors.New(s.corsConfig()))
	r.MaxMultipartMemory = 32 << 20
	s.defineRoutes(r)

	return r
}

func (s *Server) corsConfig() cors.Config {
	conf := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins := strings.TrimSpace(s.Config.AccessControlAllowOrigin); origins != "" {
		conf.AllowOrigins = strings.Split(origins, ",")
	} else {
		conf.AllowAllOrigins = true
		conf.AllowCredentials = false
	}
	return conf
}

func (s *Server) defineRoutes(router *gin.Engine) {
	apirouter := router.Group("/api/v1")
	if s.Config.IssuesDevTokens() {
		apirouter.POST("/auth/token", s.handleIssueToken())
	}

	authorized := apirouter.Group("/")
	authorized.Use(s.Authorize())
	authorized.GET("/conversations", s.handleListConversations())
	authorized.POST("/conversations", s.handleCreateConversation())
	authorized.DELETE("/conversations/:id", s.handleDeleteConversation())
	authorized.GET("/conversations/:id/messages", s.handleGetMessages())
	authorized.POST("/conversations/:id/messages", s.limitSends(), s.handleSendMessage())
	authorized.POST("/conversations/:id/read", s.handleMarkRead())
	authorized.DELETE("/messages/:id", s.handleDeleteMessage())
	authorized.PUT("/keys", s.handlePublishKey())
	authorized.POST("/devices", s.handleRegisterDevice())
	authorized.GET("/ws", s.handleMessagingSocket())
}
