package server

import (
	"net/http"
	"strings"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	errs "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/server/response"
	"github.com/techagentng/realtyx/services/jwt"
)

const userContextKey = "user"

func (s *Server) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken := getTokenFromHeader(c)
		if accessToken == "" {
			respondAndAbort(c, "", http.StatusUnauthorized, nil, errs.ErrUnauthorized)
			return
		}

		accessClaims, err := jwt.ValidateAndGetClaims(accessToken, s.Config.JWTSecret)
		if err != nil {
			logrus.WithError(err).Debug("rejected access token")
			respondAndAbort(c, "", http.StatusUnauthorized, nil, errs.ErrUnauthorized)
			return
		}

		userID, email, err := jwt.UserFromClaims(accessClaims)
		if err != nil {
			respondAndAbort(c, "", http.StatusUnauthorized, nil, errs.New(err.Error(), http.StatusUnauthorized))
			return
		}

		c.Set(userContextKey, &models.SessionUser{ID: userID, Email: email})
		c.Set("userID", userID)
		c.Set("access_token", accessToken)
		c.Next()
	}
}

// currentUser returns the user set by Authorize.
func currentUser(c *gin.Context) *models.SessionUser {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.SessionUser)
	return user
}

// limitSends caps how many messages one user may send per minute.
func (s *Server) limitSends() gin.HandlerFunc {
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  time.Minute,
		Limit: s.Config.SendRateLimit,
		Skip: func(c *gin.Context) bool {
			return s.Config.SendRateLimit == 0
		},
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: errs.ErrorHandler,
		KeyFunc:      userKey,
	})
}

func userKey(c *gin.Context) string {
	if user := currentUser(c); user != nil {
		return user.ID
	}
	return c.ClientIP()
}

// respondAndAbort calls response.JSON and aborts the Context
func respondAndAbort(c *gin.Context, message string, status int, data interface{}, e *errs.Error) {
	response.JSON(c, message, status, data, e)
	c.Abort()
}

// getTokenFromHeader returns the bearer token of the request. Websocket
// clients that cannot set headers pass it as the token query parameter.
func getTokenFromHeader(c *gin.Context) string {
	authHeader := c.Request.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return c.Query("token")
}
