package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
)

var storageLog = logger.For("storage")

const (
	ThumbnailWidth  = 200
	ThumbnailHeight = 200
)

// AttachmentPath namespaces an upload by conversation and upload time.
func AttachmentPath(conversationID, name string, at time.Time) string {
	return fmt.Sprintf("conversations/%s/%d_%s", conversationID, at.UnixNano(), sanitizeName(name))
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20 || r == '/':
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." {
		return "file"
	}
	return name
}

func isImage(contentType string) bool {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif":
		return true
	}
	return false
}

// UploadAttachment stores one message file and, for images, a JPEG
// thumbnail next to it. A thumbnail that cannot be produced only costs the
// preview.
func UploadAttachment(ctx context.Context, store AttachmentStore, conversationID string, upload models.AttachmentUpload, at time.Time) (models.Attachment, error) {
	key := AttachmentPath(conversationID, upload.Name, at)
	stored, err := store.Upload(ctx, key, upload.Data, upload.Type)
	if err != nil {
		return models.Attachment{}, err
	}

	attachment := models.Attachment{
		ID:   uuid.NewString(),
		Name: upload.Name,
		Size: upload.Size(),
		Type: upload.Type,
		URL:  store.PublicURL(stored),
	}

	if isImage(upload.Type) {
		thumb, err := Thumbnail(upload.Data, ThumbnailWidth, ThumbnailHeight)
		if err != nil {
			storageLog.WithError(err).WithField("name", upload.Name).Warn("skipping attachment thumbnail")
			return attachment, nil
		}
		thumbPath, err := store.Upload(ctx, key+"_thumb.jpg", thumb, "image/jpeg")
		if err != nil {
			storageLog.WithError(err).WithField("name", upload.Name).Warn("skipping attachment thumbnail")
			return attachment, nil
		}
		attachment.ThumbnailURL = store.PublicURL(thumbPath)
	}

	return attachment, nil
}

// Thumbnail scales an image to fit within maxWidth x maxHeight, keeping its
// aspect ratio, and encodes it as JPEG.
func Thumbnail(data []byte, maxWidth, maxHeight uint) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	var thumb image.Image = img
	bounds := img.Bounds()
	if uint(bounds.Dx()) > maxWidth || uint(bounds.Dy()) > maxHeight {
		thumb = resize.Thumbnail(maxWidth, maxHeight, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, errors.Wrap(err, "failed to encode thumbnail")
	}
	return buf.Bytes(), nil
}
