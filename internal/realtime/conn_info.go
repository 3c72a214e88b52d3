package realtime

import (
	"time"

	"conversation-service/internal/models"
)

// ConnInfo carries the handshake metadata of a live connection.
type ConnInfo struct {
	ConnID      string
	Identity    models.Identity
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
