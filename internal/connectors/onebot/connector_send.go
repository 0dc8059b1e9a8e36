package onebot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wispbot/wisp/internal/pipeline"
	"github.com/wispbot/wisp/internal/scope"
)

type action struct {
	Action string `json:"action"`
	Params params `json:"params"`
	Echo   string `json:"echo"`
}

type params struct {
	MessageType string       `json:"message_type"`
	GroupID     int64        `json:"group_id,omitempty"`
	UserID      int64        `json:"user_id,omitempty"`
	Message     []outSegment `json:"message"`
}

type outSegment struct {
	Type string   `json:"type"`
	Data textData `json:"data"`
}

// Send delivers reply segments over the event stream, sleeping out each
// segment's delay so multi-part replies pace like typed messages.
func (c *Connector) Send(ctx context.Context, sc scope.Scope, segments []pipeline.Segment) error {
	id, err := strconv.ParseInt(sc.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse scope id %q: %w", sc.ID, err)
	}

	for _, seg := range segments {
		if seg.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(seg.Delay):
			}
		}

		msg := action{
			Action: "send_msg",
			Echo:   uuid.NewString(),
			Params: params{
				Message: []outSegment{{Type: "text", Data: textData{Text: seg.Text}}},
			},
		}
		if sc.Kind == scope.KindGroup {
			msg.Params.MessageType = "group"
			msg.Params.GroupID = id
		} else {
			msg.Params.MessageType = "private"
			msg.Params.UserID = id
		}

		if err := c.writeAction(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) writeAction(msg action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("event stream not connected")
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write action: %w", err)
	}
	return nil
}
