// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Conn is one accepted websocket connection. It implements core.Sink: the
// relay enqueues encoded frames and the write pump drains them.
type Conn struct {
	id     ulid.ULID
	ws     *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}
	// writerDone is closed when the write pump has exited.
	writerDone chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string

	pingInterval time.Duration
	writeWait    time.Duration
	logger       *slog.Logger
}

// ID returns the connection id.
func (c *Conn) ID() ulid.ULID { return c.id }

// Send enqueues frame without blocking. It returns false when the connection
// is closing or its buffer is full.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeWith stops the write pump, which sends a close frame with code and
// closes the socket. Only the first call has an effect.
func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close() //nolint:errcheck // peer may already be gone
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "conn_id", c.id.String(), "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "conn_id", c.id.String(), "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.write(websocket.CloseMessage, msg) //nolint:errcheck // closing anyway
			}
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err //nolint:wrapcheck // logged by caller
	}
	return c.ws.WriteMessage(messageType, data) //nolint:wrapcheck // logged by caller
}
