package synccache

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Listener wraps the transport a PING/loop-SYNC handler blocks on while a
// heartbeat is outstanding. The core itself never holds this connection —
// Manager.AwaitHeartbeat only brackets StartHeartbeat/EndHeartbeatNormal
// around whatever the handler is blocked on — but a websocket-backed
// implementation is provided here as the default long-poll transport, the
// same way the rest of this codebase favors a ready-made wiring over
// leaving a bare interface (spec.md §4.4: a long-poll request blocks until
// a client-originated nudge or the heartbeat window elapses).
type Listener struct {
	conn *websocket.Conn
}

// NewListener wraps an already-accepted websocket connection as a long-poll
// wait primitive.
func NewListener(conn *websocket.Conn) *Listener {
	return &Listener{conn: conn}
}

// Wait blocks until a data message arrives on the connection (the client
// nudging the long-poll, e.g. a new local change to merge into the
// response), the connection is closed or fails, or ctx is cancelled
// (timeout, or the heartbeat window elapsing). Only the message case
// returns nil.
// It never touches the Persistent Store; callers bracket it with
// Manager.Disconnect before and Manager.Connect after.
func (l *Listener) Wait(ctx context.Context) error {
	_, _, err := l.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("synccache: long-poll wait: %w", err)
	}
	return nil
}

// Close closes the underlying connection with a normal closure, releasing
// any resources the transport held for the duration of the long-poll.
func (l *Listener) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "heartbeat cycle complete")
}
