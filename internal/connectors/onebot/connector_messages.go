package onebot

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/wispbot/wisp/internal/pipeline"
	"github.com/wispbot/wisp/internal/scope"
)

type event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SelfID      int64           `json:"self_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      sender          `json:"sender"`
}

type sender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

type segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textData struct {
	Text string `json:"text"`
}

type atData struct {
	QQ string `json:"qq"`
}

type imageData struct {
	URL  string `json:"url"`
	File string `json:"file"`
}

func (c *Connector) handleFrame(ctx context.Context, data []byte) {
	if c.pipeline == nil {
		return
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("decode event failed", "error", err)
		return
	}
	if ev.PostType != "message" {
		return
	}
	userID := strconv.FormatInt(ev.UserID, 10)
	if c.isSelf(userID) {
		return
	}

	text, mentioned, images := c.parseSegments(ev.Message, ev.RawMessage)

	var sc scope.Scope
	switch ev.MessageType {
	case "group":
		sc = scope.Group(strconv.FormatInt(ev.GroupID, 10))
	case "private":
		sc = scope.User(userID)
	default:
		return
	}

	name := ev.Sender.Card
	if name == "" {
		name = ev.Sender.Nickname
	}

	c.pipeline.HandleInbound(ctx, pipeline.Inbound{
		Scope:      sc,
		SenderID:   userID,
		SenderName: name,
		Content:    text,
		ImageRefs:  images,
		Mentioned:  mentioned,
	})
}

// parseSegments flattens an OneBot segment array into plain text, mention
// status and image refs. Implementations that send raw CQ strings instead
// of arrays fall back to the raw text.
func (c *Connector) parseSegments(raw json.RawMessage, fallback string) (string, bool, []string) {
	var segments []segment
	if err := json.Unmarshal(raw, &segments); err != nil {
		text := strings.TrimSpace(fallback)
		return text, c.mentionsNickname(text), nil
	}

	var (
		text      strings.Builder
		mentioned bool
		images    []string
	)
	for _, seg := range segments {
		switch seg.Type {
		case "text":
			var data textData
			if json.Unmarshal(seg.Data, &data) == nil {
				text.WriteString(data.Text)
			}
		case "at":
			var data atData
			if json.Unmarshal(seg.Data, &data) == nil && c.isSelf(data.QQ) {
				mentioned = true
			}
		case "image":
			var data imageData
			if json.Unmarshal(seg.Data, &data) == nil {
				ref := data.URL
				if ref == "" {
					ref = data.File
				}
				if ref != "" {
					images = append(images, ref)
				}
			}
		}
	}
	flat := strings.TrimSpace(text.String())
	if !mentioned {
		mentioned = c.mentionsNickname(flat)
	}
	return flat, mentioned, images
}

func (c *Connector) isSelf(id string) bool {
	for _, selfID := range c.cfg.SelfIDs {
		if id == selfID {
			return true
		}
	}
	return false
}

func (c *Connector) mentionsNickname(text string) bool {
	lowered := strings.ToLower(text)
	for _, nickname := range c.cfg.Nicknames {
		nickname = strings.ToLower(strings.TrimSpace(nickname))
		if nickname != "" && strings.Contains(lowered, nickname) {
			return true
		}
	}
	return false
}
