package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiError "github.com/techagentng/realtyx/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func record(fn func(c *gin.Context)) (*httptest.ResponseRecorder, Envelope) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	fn(c)
	var body Envelope
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestJSONSuccess(t *testing.T) {
	w, body := record(func(c *gin.Context) {
		JSON(c, "ok", http.StatusCreated, map[string]string{"id": "c1"}, nil)
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "ok", body.Message)
	assert.Equal(t, "Created", body.Status)
	assert.Nil(t, body.Errors)
	assert.NotEmpty(t, body.Timestamp)
}

func TestHandleErrorsUsesErrorStatus(t *testing.T) {
	w, body := record(func(c *gin.Context) {
		HandleErrors(c, errors.Wrap(apiError.ErrNotParticipant, "deleting message"))
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apiError.ErrNotParticipant.Message, body.Errors)
}

func TestHandleErrorsHidesInternalErrors(t *testing.T) {
	w, body := record(func(c *gin.Context) {
		HandleErrors(c, errors.New("pq: connection refused"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apiError.ErrInternalServerError.Message, body.Message)
}

func TestValidationErrorsAreListedByField(t *testing.T) {
	type req struct {
		ReceiverID string `validate:"required"`
	}
	err := validator.New().Struct(req{})
	require.Error(t, err)

	w, body := record(func(c *gin.Context) {
		JSON(c, "", http.StatusBadRequest, nil, err)
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]interface{}{"ReceiverID": "required"}, body.Errors)
}
