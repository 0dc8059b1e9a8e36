package onebot

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Start runs the read loop until ctx is done, reconnecting with backoff
// whenever the stream drops.
func (c *Connector) Start(ctx context.Context) error {
	if c.cfg.URL == "" {
		c.logger.Info("connector disabled, event stream url missing")
		<-ctx.Done()
		return nil
	}

	backoff := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			c.logger.Info("connector stopped")
			return nil
		}

		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header())
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("connector stopped")
				return nil
			}
			c.logger.Error("dial failed", "url", c.cfg.URL, "error", err)
			select {
			case <-ctx.Done():
				c.logger.Info("connector stopped")
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.ReconnectMax)
			continue
		}

		backoff = c.cfg.ReconnectMin
		c.setConn(conn)
		c.logger.Info("connector started", "url", c.cfg.URL)

		if err := c.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.Error("stream dropped", "error", err)
		}
		c.setConn(nil)
		conn.Close()
	}
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	// Close unblocks ReadMessage when ctx ends; pings keep middleboxes
	// from cutting an idle stream.
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}
