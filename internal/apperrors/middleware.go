package apperrors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftline-dev/driftline/internal/logger"
)

// ErrorHandler converts the last error attached to the Gin context into the
// matching JSON response, logging at a severity derived from the status
// code.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		log := logger.API()
		err := c.Errors.Last()

		appErr, ok := err.Err.(*AppError)
		if !ok {
			appErr = Internal(err.Err)
		}

		if appErr.StatusCode >= 500 {
			log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
		} else {
			log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
		}

		c.JSON(appErr.StatusCode, appErr.ToResponse())
	}
}

// Recovery recovers from a panic in a downstream handler and renders it as
// an internal_error response instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.API().Error().Interface("panic", r).Msg("recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, New(CodeInternal, "an unexpected error occurred").ToResponse())
			}
		}()
		c.Next()
	}
}

// Abort attaches err to the context and stops the handler chain; the
// response itself is written by ErrorHandler once the chain unwinds, so
// every error response is rendered from the one place.
func Abort(c *gin.Context, err *AppError) {
	c.Error(err)
	c.Abort()
}
