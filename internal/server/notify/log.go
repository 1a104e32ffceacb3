package notify

import (
	"context"

	"github.com/dmitrijs2005/gatekeeper/internal/logging"
)

// LogNotifier records that a message would be sent. The token itself is
// never written.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("module", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.Info(ctx, "delivery requested",
		"kind", string(msg.Kind),
		"user_id", msg.UserID,
		"expires_at", msg.ExpiresAt,
	)
	return nil
}
