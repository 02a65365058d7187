package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/server/response"
	"github.com/techagentng/realtyx/services/jwt"
)

// handleIssueToken signs an access token for any user id. Sessions are owned
// by the marketplace's identity service; this route exists for local
// development only.
func (s *Server) handleIssueToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.TokenRequest
		if err := decode(c, &req); err != nil {
			response.JSON(c, "", http.StatusBadRequest, nil, err)
			return
		}
		token, err := jwt.GenerateToken(req.UserID, req.Email, s.Config.JWTSecret, jwt.AccessTokenValidity)
		if err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "token issued", http.StatusOK, gin.H{"access_token": token}, nil)
	}
}
