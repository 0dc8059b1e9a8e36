package onebot

import (
	"encoding/json"
	"testing"
)

func testConnector() *Connector {
	return New(Config{
		SelfIDs:   []string{"789"},
		Nicknames: []string{"wisp"},
	}, nil)
}

func TestParseSegmentsFlattensText(t *testing.T) {
	c := testConnector()
	raw := json.RawMessage(`[
		{"type":"text","data":{"text":"hello "}},
		{"type":"text","data":{"text":"world"}}
	]`)

	text, mentioned, images := c.parseSegments(raw, "")
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if mentioned || len(images) != 0 {
		t.Fatalf("unexpected mention=%v images=%v", mentioned, images)
	}
}

func TestParseSegmentsDetectsAtMention(t *testing.T) {
	c := testConnector()
	raw := json.RawMessage(`[
		{"type":"at","data":{"qq":"789"}},
		{"type":"text","data":{"text":" morning"}}
	]`)

	text, mentioned, _ := c.parseSegments(raw, "")
	if !mentioned {
		t.Fatal("at segment for self id should count as mention")
	}
	if text != "morning" {
		t.Fatalf("unexpected text %q", text)
	}

	other := json.RawMessage(`[{"type":"at","data":{"qq":"111"}},{"type":"text","data":{"text":"hi"}}]`)
	if _, mentioned, _ := c.parseSegments(other, ""); mentioned {
		t.Fatal("at segment for someone else is not a mention")
	}
}

func TestParseSegmentsDetectsNickname(t *testing.T) {
	c := testConnector()
	raw := json.RawMessage(`[{"type":"text","data":{"text":"hey Wisp, you up?"}}]`)

	_, mentioned, _ := c.parseSegments(raw, "")
	if !mentioned {
		t.Fatal("nickname in text should count as mention")
	}
}

func TestParseSegmentsCollectsImages(t *testing.T) {
	c := testConnector()
	raw := json.RawMessage(`[
		{"type":"image","data":{"url":"https://example.com/a.png"}},
		{"type":"image","data":{"file":"b.png"}},
		{"type":"text","data":{"text":"look"}}
	]`)

	text, _, images := c.parseSegments(raw, "")
	if text != "look" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(images) != 2 || images[0] != "https://example.com/a.png" || images[1] != "b.png" {
		t.Fatalf("unexpected images %v", images)
	}
}

func TestParseSegmentsFallsBackToRawText(t *testing.T) {
	c := testConnector()

	text, mentioned, images := c.parseSegments(json.RawMessage(`"wisp are you there"`), "wisp are you there")
	if text != "wisp are you there" {
		t.Fatalf("unexpected text %q", text)
	}
	if !mentioned {
		t.Fatal("nickname in raw fallback should count as mention")
	}
	if images != nil {
		t.Fatalf("unexpected images %v", images)
	}
}
