package provider

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// maxSSELine bounds buffered partial lines; oversized lines are dropped
// rather than grown.
const maxSSELine = 64 * 1024

// ParseSSELine splits a single SSE line into event type and data
// payload. Comments, blank lines and unknown fields return ok=false.
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	}
	return "", "", false
}

// UsageScanner accumulates token usage from an SSE stream fed to it
// chunk by chunk. It understands both usage shapes that appear on
// streams: message_start/message_delta usage objects and the final
// chat-completion chunk's usage. Feed it as a side writer while the
// stream is copied to the client, then read Usage after EOF.
type UsageScanner struct {
	rem   []byte
	usage Usage
}

// Write scans any complete lines in p. It never fails; the stream copy
// must not be disturbed by usage accounting.
func (s *UsageScanner) Write(p []byte) (int, error) {
	s.rem = append(s.rem, p...)
	for {
		i := bytes.IndexByte(s.rem, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(s.rem[:i], "\r"))
		s.rem = s.rem[i+1:]
		s.scanLine(line)
	}
	if len(s.rem) > maxSSELine {
		s.rem = s.rem[:0]
	}
	return len(p), nil
}

// Usage returns the accumulated totals.
func (s *UsageScanner) Usage() Usage { return s.usage }

func (s *UsageScanner) scanLine(line string) {
	_, data, ok := ParseSSELine(line)
	if !ok || data == "" || data == "[DONE]" {
		return
	}

	// message_start carries input tokens, message_delta the running
	// output total; later values win.
	for _, path := range []string{"usage", "message.usage"} {
		u := gjson.Get(data, path)
		if !u.Exists() {
			continue
		}
		merge := ExtractUsage([]byte(`{"usage":` + u.Raw + `}`))
		if merge.InputTokens > 0 {
			s.usage.InputTokens = merge.InputTokens
		}
		if merge.OutputTokens > 0 {
			s.usage.OutputTokens = merge.OutputTokens
		}
		if merge.CachedTokens > 0 {
			s.usage.CachedTokens = merge.CachedTokens
		}
	}
}
