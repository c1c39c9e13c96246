package provider

import "testing"

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"event: message_start", "message_start", "", true},
		{"data: {\"x\":1}", "", `{"x":1}`, true},
		{"data:{\"x\":1}", "", `{"x":1}`, true},
		{": keepalive", "", "", false},
		{"", "", "", false},
		{"retry: 1000", "", "", false},
		{"no colon here", "", "", false},
	}
	for _, tc := range cases {
		event, data, ok := ParseSSELine(tc.line)
		if event != tc.event || data != tc.data || ok != tc.ok {
			t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, event, data, ok, tc.event, tc.data, tc.ok)
		}
	}
}

func TestUsageScannerAnthropicStream(t *testing.T) {
	t.Parallel()

	var s UsageScanner
	feed(t, &s,
		"event: message_start\n",
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":120,"cache_read_input_tokens":40,"output_tokens":1}}}`+"\n\n",
		"event: content_block_delta\n",
		`data: {"type":"content_block_delta","delta":{"text":"hi"}}`+"\n\n",
		"event: message_delta\n",
		`data: {"type":"message_delta","usage":{"output_tokens":37}}`+"\n\n",
	)

	u := s.Usage()
	if u.InputTokens != 120 || u.OutputTokens != 37 || u.CachedTokens != 40 {
		t.Errorf("usage = %+v, want input 120, output 37, cached 40", u)
	}
}

func TestUsageScannerOpenAIFinalChunk(t *testing.T) {
	t.Parallel()

	var s UsageScanner
	feed(t, &s,
		`data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n",
		`data: {"choices":[],"usage":{"prompt_tokens":50,"completion_tokens":9,"prompt_tokens_details":{"cached_tokens":12}}}`+"\n\n",
		"data: [DONE]\n\n",
	)

	u := s.Usage()
	if u.InputTokens != 50 || u.OutputTokens != 9 || u.CachedTokens != 12 {
		t.Errorf("usage = %+v, want input 50, output 9, cached 12", u)
	}
}

// Writes split mid-line must not lose the usage event.
func TestUsageScannerSplitWrites(t *testing.T) {
	t.Parallel()

	var s UsageScanner
	payload := `data: {"usage":{"input_tokens":7,"output_tokens":3}}` + "\n"
	for i := 0; i < len(payload); i += 5 {
		end := min(i+5, len(payload))
		feed(t, &s, payload[i:end])
	}

	u := s.Usage()
	if u.InputTokens != 7 || u.OutputTokens != 3 {
		t.Errorf("usage = %+v, want input 7, output 3", u)
	}
}

func TestUsageScannerCRLF(t *testing.T) {
	t.Parallel()

	var s UsageScanner
	feed(t, &s, `data: {"usage":{"input_tokens":5,"output_tokens":2}}`+"\r\n\r\n")

	u := s.Usage()
	if u.InputTokens != 5 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v, want input 5, output 2", u)
	}
}

func TestUsageScannerDropsOversizedLine(t *testing.T) {
	t.Parallel()

	var s UsageScanner
	huge := make([]byte, maxSSELine+1024)
	for i := range huge {
		huge[i] = 'x'
	}
	feed(t, &s, "data: "+string(huge)) // no newline, exceeds the cap

	if len(s.rem) != 0 {
		t.Errorf("oversized partial line kept, rem = %d bytes", len(s.rem))
	}

	// The scanner keeps working after the drop.
	feed(t, &s, `data: {"usage":{"input_tokens":1,"output_tokens":1}}`+"\n")
	if u := s.Usage(); u.InputTokens != 1 {
		t.Errorf("usage after drop = %+v", u)
	}
}

func feed(t *testing.T, s *UsageScanner, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		n, err := s.Write([]byte(c))
		if err != nil || n != len(c) {
			t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(c))
		}
	}
}
