// Package invite renders group invite codes for sharing.
package invite

import (
	"fmt"
	"strings"

	"github.com/focuscircle/focussync/internal/social"
	qrcode "github.com/skip2/go-qrcode"
)

// LinkScheme prefixes share links.
const LinkScheme = "focussync://join/"

// Link returns the share link for code.
func Link(code string) (string, error) {
	if err := social.ValidateInviteCode(code); err != nil {
		return "", err
	}
	return LinkScheme + strings.ToUpper(strings.TrimSpace(code)), nil
}

// CodeFromLink accepts either a bare code or a share link.
func CodeFromLink(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, LinkScheme); ok {
		return rest
	}
	return s
}

// PNG encodes the share link for code as a square PNG of size pixels.
func PNG(code string, size int) ([]byte, error) {
	link, err := Link(code)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Terminal renders the share link as a QR code using Unicode half blocks,
// two modules per character row.
func Terminal(code string) (string, error) {
	link, err := Link(code)
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(link, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}

	bitmap := qr.Bitmap()
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
