// Package notify hands single-use tokens to out-of-band delivery (email).
// Rendering and sending the message belong to the consumer of the hand-off.
package notify

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
)

// Message is one delivery request. Token is the raw single-use token and
// must only ever travel to the delivery channel.
type Message struct {
	Kind      models.EphemeralKind `json:"kind"`
	UserID    string               `json:"user_id"`
	UserName  string               `json:"username"`
	Email     string               `json:"email"`
	Token     string               `json:"token"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}
