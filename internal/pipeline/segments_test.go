package pipeline

import (
	"testing"
	"time"
)

func TestParseSegmentsPlainText(t *testing.T) {
	segments := ParseSegments("just one message")
	if len(segments) != 1 || segments[0].Text != "just one message" || segments[0].Delay != 0 {
		t.Fatalf("unexpected segments: %+v", segments)
	}
	if ParseSegments("   ") != nil {
		t.Fatal("blank reply should produce no segments")
	}
}

func TestParseSegmentsSplitsOnWait(t *testing.T) {
	segments := ParseSegments(`first part<|wait time="2"|>second part`)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Delay != 0 || segments[0].Text != "first part" {
		t.Fatalf("unexpected first segment: %+v", segments[0])
	}
	if segments[1].Delay != 2*time.Second || segments[1].Text != "second part" {
		t.Fatalf("unexpected second segment: %+v", segments[1])
	}
}

func TestParseSegmentsClampsDelay(t *testing.T) {
	segments := ParseSegments(`a<|wait time="0.2"|>b<|wait time="60"|>c`)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	if segments[1].Delay != time.Second {
		t.Fatalf("short delay should clamp to 1s, got %v", segments[1].Delay)
	}
	if segments[2].Delay != 5*time.Second {
		t.Fatalf("long delay should clamp to 5s, got %v", segments[2].Delay)
	}
}

func TestParseSegmentsCapsSegmentCount(t *testing.T) {
	segments := ParseSegments(`a<|wait time="1"|>b<|wait time="1"|>c<|wait time="1"|>d<|wait time="1"|>e`)
	if len(segments) != 3 {
		t.Fatalf("expected cap at 3 segments, got %d", len(segments))
	}
	if segments[2].Text != "c\nd\ne" {
		t.Fatalf("overflow should fold into the last segment, got %q", segments[2].Text)
	}
}

func TestParseSegmentsLeadingDirective(t *testing.T) {
	segments := ParseSegments(`<|wait time="3"|>only part`)
	if len(segments) != 1 || segments[0].Text != "only part" {
		t.Fatalf("unexpected segments: %+v", segments)
	}
	if segments[0].Delay != 0 {
		t.Fatalf("first segment never waits, got %v", segments[0].Delay)
	}
}

func TestParseSegmentsTrailingDirective(t *testing.T) {
	segments := ParseSegments(`message<|wait time="2"|>`)
	if len(segments) != 1 || segments[0].Text != "message" {
		t.Fatalf("unexpected segments: %+v", segments)
	}
}
