package api

import (
	"github.com/MrEthical07/fxauth"
	"github.com/gin-gonic/gin"
)

const contextErrnoKey = "fxauth_errno"

// errorBody renders an AppError as {code, errno, error, message, ...extra}.
func errorBody(e *fxauth.AppError) gin.H {
	body := gin.H{
		"code":    e.Code,
		"errno":   e.Errno,
		"error":   e.ErrorName,
		"message": e.Message,
	}
	for k, v := range e.Extra {
		if _, reserved := body[k]; reserved {
			continue
		}
		body[k] = v
	}
	return body
}

func renderError(c *gin.Context, err error) {
	appErr := fxauth.AsAppError(err)
	c.Set(contextErrnoKey, appErr.Errno)
	if appErr.Errno == fxauth.ErrnoUnexpected {
		_ = c.Error(err)
	}
	c.JSON(appErr.Code, errorBody(appErr))
}

// bindError wraps a binding or validation failure as errno 107.
func bindError(err error) error {
	return fxauth.InvalidParameter(err.Error())
}
