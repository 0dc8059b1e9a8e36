package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Segment is one outbound message plus the pause to wait before sending it.
// The first segment always has zero delay.
type Segment struct {
	Text  string
	Delay time.Duration
}

var waitDirective = regexp.MustCompile(`<\|wait time="(\d+(?:\.\d+)?)"\|>`)

const (
	maxSegments = 3
	minWait     = time.Second
	maxWait     = 5 * time.Second
)

// ParseSegments splits generated reply text on wait directives. Delays are
// clamped to [1s, 5s] and at most three segments survive; overflow text is
// folded into the last one.
func ParseSegments(reply string) []Segment {
	matches := waitDirective.FindAllStringSubmatchIndex(reply, -1)
	if len(matches) == 0 {
		text := strings.TrimSpace(reply)
		if text == "" {
			return nil
		}
		return []Segment{{Text: text}}
	}

	var segments []Segment
	cursor := 0
	pending := time.Duration(0)
	for _, match := range matches {
		text := strings.TrimSpace(reply[cursor:match[0]])
		cursor = match[1]
		seconds, err := strconv.ParseFloat(reply[match[2]:match[3]], 64)
		delay := clampWait(seconds, err)
		if text == "" {
			// Directive with no text before it; carry the delay forward.
			if pending < delay {
				pending = delay
			}
			continue
		}
		segments = append(segments, Segment{Text: text, Delay: pending})
		pending = delay
	}
	if tail := strings.TrimSpace(reply[cursor:]); tail != "" {
		segments = append(segments, Segment{Text: tail, Delay: pending})
	}
	if len(segments) == 0 {
		return nil
	}
	segments[0].Delay = 0
	if len(segments) > maxSegments {
		var folded strings.Builder
		for i, extra := range segments[maxSegments-1:] {
			if i > 0 {
				folded.WriteString("\n")
			}
			folded.WriteString(extra.Text)
		}
		segments = segments[:maxSegments]
		segments[maxSegments-1].Text = folded.String()
	}
	return segments
}

func clampWait(seconds float64, err error) time.Duration {
	if err != nil {
		return minWait
	}
	delay := time.Duration(seconds * float64(time.Second))
	if delay < minWait {
		return minWait
	}
	if delay > maxWait {
		return maxWait
	}
	return delay
}
