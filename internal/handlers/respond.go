package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/conversation"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind conversation.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case conversation.KindAuthentication:
		return http.StatusUnauthorized
	case conversation.KindForbidden:
		return http.StatusForbidden
	case conversation.KindNotFound:
		return http.StatusNotFound
	case conversation.KindValidation:
		return http.StatusBadRequest
	case conversation.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, data any, err error) {
	c.JSON(StatusFor(conversation.KindOf(err)), conversation.ResultOf(data, err))
}

func respondCreated(c *gin.Context, data any, err error) {
	if err != nil {
		respond(c, nil, err)
		return
	}
	c.JSON(http.StatusCreated, conversation.ResultOf(data, nil))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, conversation.Result{Success: false, Message: message})
}
