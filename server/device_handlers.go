package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	errs "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/server/response"
	"github.com/techagentng/realtyx/services"
)

// handlePublishKey publishes the caller's message encryption key so other
// users can encrypt for them.
func (s *Server) handlePublishKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		gate, ok := s.gateFor(user.ID).(*services.BoxGate)
		if !ok {
			response.JSON(c, "", http.StatusBadRequest, nil, errs.New("message encryption is disabled", http.StatusBadRequest))
			return
		}
		if err := gate.Publish(c.Request.Context()); err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "encryption key published", http.StatusOK, gin.H{"public_key": gate.PublicKey()}, nil)
	}
}

func (s *Server) handleRegisterDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var token models.DeviceToken
		if err := decode(c, &token); err != nil {
			response.JSON(c, "", http.StatusBadRequest, nil, err)
			return
		}
		token.ID = ""
		token.UserID = currentUser(c).ID

		if err := s.DeviceTokens.Save(c.Request.Context(), &token); err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "device registered", http.StatusCreated, token, nil)
	}
}
