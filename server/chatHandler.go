package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	errs "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/server/response"
)

const (
	MaxAttachments    = 10
	MaxAttachmentSize = 10 << 20 // 10 MB
)

func (s *Server) handleGetMessages() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		ctx := c.Request.Context()
		conv, err := s.loadConversation(ctx, user.ID, c.Param("id"))
		if err != nil {
			response.HandleErrors(c, err)
			return
		}

		facade := s.messagingFor(user, newRequestNotifier(user.ID), messagingOptions{})
		defer facade.Close()

		facade.Messages().FetchMessages(ctx, conv.ID)
		if err := facade.Messages().LastError(); err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "messages retrieved", http.StatusOK, facade.Messages().Messages(), nil)
	}
}

// handleSendMessage accepts either a JSON body or a multipart form with a
// content field and attachments files.
func (s *Server) handleSendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		content, uploads, err := readSendRequest(c)
		if err != nil {
			response.JSON(c, "", http.StatusBadRequest, nil, err)
			return
		}

		user := currentUser(c)
		facade := s.messagingFor(user, newRequestNotifier(user.ID), messagingOptions{})
		defer facade.Close()

		if err := facade.Send(c.Request.Context(), c.Param("id"), content, uploads); err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "message sent", http.StatusCreated, facade.Messages().Messages(), nil)
	}
}

func readSendRequest(c *gin.Context) (string, []models.AttachmentUpload, error) {
	if c.ContentType() != binding.MIMEMultipartPOSTForm {
		var req models.SendMessageRequest
		if err := decode(c, &req); err != nil {
			return "", nil, err
		}
		return req.Content, nil, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return "", nil, errors.Wrap(err, "reading form")
	}
	files := form.File["attachments"]
	if len(files) > MaxAttachments {
		return "", nil, errs.New("too many attachments", http.StatusBadRequest)
	}
	uploads := make([]models.AttachmentUpload, 0, len(files))
	for _, fh := range files {
		upload, err := readUpload(fh)
		if err != nil {
			return "", nil, err
		}
		uploads = append(uploads, upload)
	}
	return strings.TrimSpace(c.PostForm("content")), uploads, nil
}

func readUpload(fh *multipart.FileHeader) (models.AttachmentUpload, error) {
	if fh.Size > MaxAttachmentSize {
		return models.AttachmentUpload{}, errs.New(fh.Filename+" is larger than 10 MB", http.StatusBadRequest)
	}
	f, err := fh.Open()
	if err != nil {
		return models.AttachmentUpload{}, errors.Wrapf(err, "opening %s", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return models.AttachmentUpload{}, errors.Wrapf(err, "reading %s", fh.Filename)
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return models.AttachmentUpload{Name: fh.Filename, Type: contentType, Data: data}, nil
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		ctx := c.Request.Context()
		conv, err := s.loadConversation(ctx, user.ID, c.Param("id"))
		if err != nil {
			response.HandleErrors(c, err)
			return
		}

		facade := s.messagingFor(user, newRequestNotifier(user.ID), messagingOptions{})
		defer facade.Close()

		facade.MarkRead(ctx, conv.ID)
		response.JSON(c, "messages marked as read", http.StatusOK, nil, nil)
	}
}

func (s *Server) handleDeleteMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		facade := s.messagingFor(user, newRequestNotifier(user.ID), messagingOptions{})
		defer facade.Close()

		if err := facade.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "message deleted", http.StatusOK, nil, nil)
	}
}
