package server

import (
	"strings"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
	"github.com/tanvirwebtech/hype-chat-server/internal/store"
)

// inboundFrame is the only application frame clients send.
type inboundFrame struct {
	Recipient auth.UserRef `json:"recipient" validate:"required"`
	Text      string       `json:"text"`
}

// rosterFrame lists the identities holding a live connection.
type rosterFrame struct {
	Online []auth.Identity `json:"online"`
}

// deliveryFrame carries a persisted message to its recipient.
type deliveryFrame struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	ID        string `json:"id"`
}

func newDeliveryFrame(msg store.Message) deliveryFrame {
	return deliveryFrame{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		ID:        msg.ID,
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
