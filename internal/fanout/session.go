package fanout

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// wsSession adapts a WebSocket connection to the Session interface.
type wsSession struct {
	deviceID string
	conn     *websocket.Conn

	closeOnce sync.Once
}

// NewWSSession wraps an accepted WebSocket connection for hub membership.
func NewWSSession(deviceID string, conn *websocket.Conn) Session {
	return &wsSession{deviceID: deviceID, conn: conn}
}

func (s *wsSession) DeviceID() string {
	return s.deviceID
}

func (s *wsSession) Send(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *wsSession) Close(reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, reason)
	})
}
