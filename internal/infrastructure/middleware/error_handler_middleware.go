package middleware

import (
	"errors"

	"talkpair/internal/core/domain"
	apperrors "talkpair/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// toAppError maps domain sentinels onto their HTTP-facing application errors.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewNotFoundError("session")
	case errors.Is(err, domain.ErrMatchmakingFailed):
		return apperrors.NewMatchmakingFailedError(err)
	case errors.Is(err, domain.ErrMalformedMessage), errors.Is(err, domain.ErrInvalidRole):
		return apperrors.NewMalformedMessageError(err)
	case errors.Is(err, domain.ErrSessionAlreadyClaimed),
		errors.Is(err, domain.ErrDescriptionExists),
		errors.Is(err, domain.ErrHandshakeMisorder):
		return apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrRemoteSessionGone):
		return apperrors.NewSessionGoneError("")
	}
	return nil
}

// ErrorHandlerMiddleware renders the last handler error as a structured JSON response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := toAppError(err); appErr != nil {
			logFn := logger.Warnw
			if appErr.HTTPStatus >= 500 {
				logFn = logger.Errorw
			}
			logFn("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		internal := apperrors.NewInternalError("Internal server error")
		c.JSON(internal.HTTPStatus, gin.H{
			"error":   string(internal.Code),
			"message": internal.Message,
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				abortWithAppError(c, apperrors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}
