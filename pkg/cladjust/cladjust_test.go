package cladjust_test

import (
	"strings"
	"testing"

	"github.com/driftcode/devproxy/pkg/cladjust"
)

func TestAdjustGrowsBody(t *testing.T) {
	orig := "POST /d HTTP/1.1\r\nContent-Length: 5\r\n\r\nL/B/C"
	modified := "POST /d HTTP/1.1\r\nContent-Length: 5\r\n\r\nLongBodyContent"

	got := cladjust.Adjust(orig, modified, nil)
	want := "POST /d HTTP/1.1\r\nContent-Length: 15\r\n\r\nLongBodyContent"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAdjustShrinksBody(t *testing.T) {
	orig := "PUT /u HTTP/1.1\r\nContent-Length: 15\r\n\r\nShort         !"
	modified := "PUT /u HTTP/1.1\r\nContent-Length: 15\r\n\r\nShort"

	got := cladjust.Adjust(orig, modified, nil)
	want := "PUT /u HTTP/1.1\r\nContent-Length: 5\r\n\r\nShort"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAdjustCountsUTF8BytesNotCharacters(t *testing.T) {
	orig := "GET /u HTTP/1.1\r\nContent-Length: 7\r\n\r\nKarotte"
	modified := "GET /u HTTP/1.1\r\nContent-Length: 7\r\n\r\nMöhre"

	got := cladjust.Adjust(orig, modified, nil)
	want := "GET /u HTTP/1.1\r\nContent-Length: 6\r\n\r\nMöhre"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAdjustIdentityOnMalformedContentLength(t *testing.T) {
	msg := "GET /b HTTP/1.1\r\nContent-Length: invalid\r\n\r\nSomeBody"
	got := cladjust.Adjust(msg, msg, nil)
	if got != msg {
		t.Fatalf("expected identity for malformed Content-Length, got %q", got)
	}
}

func TestAdjustIdentityWhenNoContentLengthHeader(t *testing.T) {
	msg := "GET /b HTTP/1.1\r\nHost: example.com\r\n\r\nSomeBody"
	got := cladjust.Adjust(msg, "GET /b HTTP/1.1\r\nHost: example.com\r\n\r\nchanged", nil)
	if got != "GET /b HTTP/1.1\r\nHost: example.com\r\n\r\nchanged" {
		t.Fatalf("expected identity to modified when no Content-Length header present, got %q", got)
	}
}

func TestAdjustIdentityWhenOrigHasNoHTTPMarker(t *testing.T) {
	orig := "just some raw bytes without an HTTP marker"
	modified := "different raw bytes"
	got := cladjust.Adjust(orig, modified, nil)
	if got != modified {
		t.Fatalf("expected modified returned unchanged when orig lacks the HTTP/1. marker, got %q", got)
	}
}

func TestAdjustEmptyBodyIsIdentity(t *testing.T) {
	msg := "GET /e HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	got := cladjust.Adjust(msg, msg, nil)
	if got != msg {
		t.Fatalf("expected identity for empty body, got %q", got)
	}
}

func TestAdjustDetectsLowercaseHeaderAndCanonicalizes(t *testing.T) {
	orig := "POST /d HTTP/1.1\r\ncontent-length: 5\r\n\r\nabcde"
	modified := "POST /d HTTP/1.1\r\ncontent-length: 5\r\n\r\nabcdefgh"

	got := cladjust.Adjust(orig, modified, nil)
	if !strings.Contains(got, "Content-Length: 8") {
		t.Fatalf("expected canonicalised Content-Length header name, got %q", got)
	}
	if strings.Contains(got, "content-length:") {
		t.Fatalf("expected lowercase header name to be replaced, got %q", got)
	}
}

func TestAdjustPartialOriginalBodyIsIdentity(t *testing.T) {
	orig := "POST /d HTTP/1.1\r\nContent-Length: 100\r\n\r\nonly-part-of-body"
	modified := "POST /d HTTP/1.1\r\nContent-Length: 100\r\n\r\nsomething-else"

	got := cladjust.Adjust(orig, modified, nil)
	if got != modified {
		t.Fatalf("expected identity when declared CL does not match actual original body length, got %q", got)
	}
}

func TestAdjustLogsWhenChanged(t *testing.T) {
	orig := "POST /d HTTP/1.1\r\nContent-Length: 5\r\n\r\nabcde"
	modified := "POST /d HTTP/1.1\r\nContent-Length: 5\r\n\r\nabcdefgh"

	var logged string
	cladjust.Adjust(orig, modified, func(line string) { logged = line })
	if !strings.Contains(logged, "Content-Length adjusted from 5 to 8") {
		t.Fatalf("expected log line mentioning the adjustment, got %q", logged)
	}
}
