package models

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MinSessionIDLength is the shortest accepted session id.
	MinSessionIDLength = 8
	// MinIdentityLength is the shortest accepted identity key.
	MinIdentityLength = 3

	sessionIDPrefix   = "pizza-day-"
	sessionIDAlphabet = "1234567890abcdefghijklmnopqrstuvwxyz"
	sessionIDSuffix   = 6
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrInvalidJoinLink  = errors.New("invalid join link")
)

var joinLinkPattern = regexp.MustCompile(`/join/([a-zA-Z0-9\-]+)`)

// NewSessionID returns a fresh id of the form pizza-day-xxxxxx.
func NewSessionID() (string, error) {
	var b strings.Builder
	b.WriteString(sessionIDPrefix)
	max := big.NewInt(int64(len(sessionIDAlphabet)))
	for i := 0; i < sessionIDSuffix; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		b.WriteByte(sessionIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewHandle returns a generated identity for participants without a national id.
func NewHandle() string {
	return "guest-" + uuid.New().String()[:8]
}

// ValidateSessionID checks the minimum id length.
func ValidateSessionID(id string) error {
	if len(strings.TrimSpace(id)) < MinSessionIDLength {
		return fmt.Errorf("%q must have at least %d characters: %w", id, MinSessionIDLength, ErrInvalidSessionID)
	}
	return nil
}

// ValidateIdentity checks the minimum identity length.
func ValidateIdentity(identity string) error {
	if len(strings.TrimSpace(identity)) < MinIdentityLength {
		return fmt.Errorf("%q must have at least %d characters: %w", identity, MinIdentityLength, ErrInvalidIdentity)
	}
	return nil
}

// ParseJoinLink extracts the session id from a scanned join link such as
// https://host/join/pizza-day-abc123.
func ParseJoinLink(link string) (string, error) {
	m := joinLinkPattern.FindStringSubmatch(link)
	if m == nil {
		return "", fmt.Errorf("%q: %w", link, ErrInvalidJoinLink)
	}
	return m[1], nil
}

// JoinLink builds the link encoded in a session QR code.
func JoinLink(baseURL, sessionID string) string {
	return strings.TrimRight(baseURL, "/") + "/join/" + sessionID
}
