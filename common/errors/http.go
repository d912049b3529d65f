package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindState, KindNotExpired:
		return http.StatusConflict
	case KindInsufficientFunds, KindBlacklisted, KindPaused:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes err as a JSON error response with the status code of its
// kind. Internal error details are not leaked to the client.
func WriteJSON(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindInternal {
		msg = "internal error"
	}
	c.JSON(HTTPStatus(kind), gin.H{
		"error": gin.H{
			"kind":    string(kind),
			"message": msg,
		},
	})
}
