package ports

import (
	"context"

	"wanderlink/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// CallController is the agent surface driven by the UI shell.
type CallController interface {
	StartCall(ctx context.Context, calleeID domain.UserID, callType domain.CallType) (*domain.CallSnapshot, error)
	CurrentCall() (*domain.CallSnapshot, bool)
	Hangup(ctx context.Context) error
	SetMuted(muted bool) error
	Incoming() *domain.IncomingCall
	AcceptIncoming(ctx context.Context, id domain.CallID) (*domain.CallSnapshot, error)
	DeclineIncoming(ctx context.Context, id domain.CallID) error
	Stats() domain.CallStats
}

type HTTPHandler interface {
	StartCall(c *gin.Context)
	GetCurrentCall(c *gin.Context)
	Hangup(c *gin.Context)
	SetMuted(c *gin.Context)
	GetIncoming(c *gin.Context)
	AcceptIncoming(c *gin.Context)
	DeclineIncoming(c *gin.Context)
	GetStats(c *gin.Context)
}
