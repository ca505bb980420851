package middleware

import (
	"errors"
	"strings"

	"wanderlink/internal/core/services"
	apperrors "wanderlink/pkg/errors"
	"wanderlink/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ContextUserID is the gin context key holding the authenticated user.
const ContextUserID = "user_id"

// AuthMiddleware requires a bearer token issued to the agent's own user.
// Browsers cannot set headers on a websocket upgrade, so the token may also
// arrive as the access_token query parameter.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		claims, err := authService.Authorize(token)
		switch {
		case errors.Is(err, services.ErrForbidden):
			abortWith(c, apperrors.NewForbiddenError(err.Error()))
			return
		case err != nil:
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(claims.UserID)))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
