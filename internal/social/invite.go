package social

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// InviteCodeLength is the length of generated invite codes.
	InviteCodeLength = 6

	// Uppercase letters and digits without I, O, 0 and 1. 32 symbols, so a
	// random byte maps onto it without bias.
	inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	maxGenerateAttempts = 1000
)

// InviteRegistry maps invite codes to chat ids. Codes are stored upper-cased
// and are never freed, so a code resolves to the same chat for the lifetime
// of the registry.
type InviteRegistry struct {
	mu    sync.RWMutex
	codes map[string]string
	rand  io.Reader
}

// NewInviteRegistry creates an empty registry backed by crypto/rand.
func NewInviteRegistry() *InviteRegistry {
	return newInviteRegistry(rand.Reader)
}

func newInviteRegistry(r io.Reader) *InviteRegistry {
	return &InviteRegistry{
		codes: make(map[string]string),
		rand:  r,
	}
}

// Generate picks an unused code, binds it to chatID and returns it. It keeps
// drawing until the code is free.
func (r *InviteRegistry) Generate(chatID string) (string, error) {
	buf := make([]byte, InviteCodeLength)
	r.mu.Lock()
	defer r.mu.Unlock()

	for range maxGenerateAttempts {
		if _, err := io.ReadFull(r.rand, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for i, b := range buf {
			buf[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
		}
		code := string(buf)
		if _, taken := r.codes[code]; taken {
			continue
		}
		r.codes[code] = chatID
		return code, nil
	}
	return "", ErrInviteSpaceExhausted
}

// Claim binds an externally issued code to chatID. Claiming the same code for
// the same chat again is a no-op.
func (r *InviteRegistry) Claim(code, chatID string) error {
	code, err := normalizeInviteCode(code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.codes[code]; ok && owner != chatID {
		return fmt.Errorf("%w: %s", ErrInviteCodeTaken, code)
	}
	r.codes[code] = chatID
	return nil
}

// Resolve looks a code up case-insensitively. A well-formed code that matches
// nothing is not an error.
func (r *InviteRegistry) Resolve(code string) (string, bool, error) {
	code, err := normalizeInviteCode(code)
	if err != nil {
		return "", false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	chatID, ok := r.codes[code]
	return chatID, ok, nil
}

// Len returns the number of codes ever issued or claimed.
func (r *InviteRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codes)
}

// ValidateInviteCode reports ErrInviteCodeMalformed unless code is
// InviteCodeLength ASCII letters or digits, ignoring surrounding space.
func ValidateInviteCode(code string) error {
	_, err := normalizeInviteCode(code)
	return err
}

func normalizeInviteCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != InviteCodeLength {
		return "", fmt.Errorf("%w: want %d characters, got %d", ErrInviteCodeMalformed, InviteCodeLength, len(code))
	}
	for _, c := range code {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return "", fmt.Errorf("%w: unexpected %q", ErrInviteCodeMalformed, c)
		}
	}
	return strings.ToUpper(code), nil
}
