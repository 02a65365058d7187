package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	apiError "github.com/techagentng/realtyx/errors"
)

// Envelope is the body of every API response.
type Envelope struct {
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Errors    interface{} `json:"errors,omitempty"`
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
}

// JSON writes the envelope. err is rendered into the errors field.
func JSON(c *gin.Context, message string, status int, data interface{}, err error) {
	body := Envelope{
		Message:   message,
		Data:      data,
		Status:    http.StatusText(status),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err != nil {
		body.Errors = renderError(err)
		if message == "" {
			body.Message = err.Error()
		}
	}
	c.JSON(status, body)
}

// HandleErrors responds with the status carried by err. Errors without a
// status are logged and reported as internal errors.
func HandleErrors(c *gin.Context, err error) {
	status := apiError.Status(err)
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		err = apiError.ErrInternalServerError
	}
	JSON(c, "", status, nil, err)
}

func renderError(err error) interface{} {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		fields := make(map[string]string, len(validationErrs))
		for _, fe := range validationErrs {
			fields[fe.Field()] = fe.Tag()
		}
		return fields
	}
	var apiErr *apiError.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
