package relay

import (
	"strings"
	"testing"
)

func TestOutputBufferGrowsUnbounded(t *testing.T) {
	buffer := newOutputBuffer(4)
	if !buffer.append([]byte("0123456789")) {
		t.Fatalf("unbounded buffer refused a write")
	}
	if buffer.len() != 10 || string(buffer.bytes()) != "0123456789" {
		t.Fatalf("unexpected content %q", buffer.bytes())
	}
	buffer.reset()
	if buffer.len() != 0 {
		t.Fatalf("reset left %d bytes", buffer.len())
	}
}

func TestPendingBufferRefusesOverflow(t *testing.T) {
	buffer := newPendingBuffer(8)
	if !buffer.append([]byte("12345")) {
		t.Fatalf("write within the limit refused")
	}
	if buffer.append([]byte("6789")) {
		t.Fatalf("write past the limit accepted")
	}
	// The refused write left nothing behind.
	if string(buffer.bytes()) != "12345" {
		t.Fatalf("partial write leaked into the buffer: %q", buffer.bytes())
	}
	if !buffer.append([]byte("678")) {
		t.Fatalf("write up to the limit refused")
	}
}

func TestNewInboxShape(t *testing.T) {
	first := NewInbox()
	second := NewInbox()
	if !strings.HasPrefix(first, inboxPrefix) {
		t.Fatalf("inbox missing prefix: %q", first)
	}
	if strings.ContainsAny(first[len(inboxPrefix):], ". ") {
		t.Fatalf("inbox suffix contains separators: %q", first)
	}
	if first == second {
		t.Fatalf("inboxes must be unique")
	}
}

func TestEncodeRespToken(t *testing.T) {
	if encodeRespToken(0) != "0" {
		t.Fatalf("zero token mis-encoded")
	}
	seen := map[string]bool{}
	for n := uint64(1); n < 200; n++ {
		token := encodeRespToken(n)
		if token == "" || seen[token] {
			t.Fatalf("token %d collided or was empty: %q", n, token)
		}
		seen[token] = true
	}
	if encodeRespToken(62) != "10" {
		t.Fatalf("base62 carry wrong: %q", encodeRespToken(62))
	}
}
