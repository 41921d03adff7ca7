package invite

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/focuscircle/focussync/internal/social"
)

func TestLink(t *testing.T) {
	got, err := Link(" abc234 ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "focussync://join/ABC234" {
		t.Errorf("Link() = %q", got)
	}
	if CodeFromLink(got) != "ABC234" {
		t.Errorf("CodeFromLink(%q) = %q", got, CodeFromLink(got))
	}
	if CodeFromLink("XYZ789") != "XYZ789" {
		t.Error("bare code should pass through")
	}
}

func TestMalformedCode(t *testing.T) {
	if _, err := Terminal("no"); !errors.Is(err, social.ErrInviteCodeMalformed) {
		t.Errorf("Terminal(no) error = %v", err)
	}
	if _, err := PNG("!!!!!!", 128); !errors.Is(err, social.ErrInviteCodeMalformed) {
		t.Errorf("PNG error = %v", err)
	}
}

func TestTerminal(t *testing.T) {
	out, err := Terminal("ABC234")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("got %d rows, want a full symbol", len(lines))
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Fatalf("row %d width %d, want %d", i, n, width)
		}
	}
}

func TestPNG(t *testing.T) {
	png, err := PNG("ABC234", 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}
}
