package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// SignedURLSigner issues and validates short-lived download tokens bound to
// a case and attachment.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl}
}

// Generate returns a token for the given case and attachment.
func (s *SignedURLSigner) Generate(caseID, attachmentID string) (string, time.Time, error) {
	if caseID == "" || attachmentID == "" {
		return "", time.Time{}, fmt.Errorf("caseID and attachmentID required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := time.Now().Add(s.ttl)
	ts := strconv.FormatInt(expiresAt.Unix(), 10)
	return ts + "." + s.sign(caseID, attachmentID, ts), expiresAt, nil
}

// Verify checks that token was issued for the case and attachment and has
// not expired.
func (s *SignedURLSigner) Verify(token, caseID, attachmentID string) error {
	ts, signature, ok := strings.Cut(token, ".")
	if !ok || ts == "" || signature == "" {
		return fmt.Errorf("invalid token format")
	}
	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	expected := s.sign(caseID, attachmentID, ts)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("invalid token signature")
	}
	if time.Now().After(time.Unix(expUnix, 0)) {
		return fmt.Errorf("token expired")
	}
	return nil
}

func (s *SignedURLSigner) sign(caseID, attachmentID, ts string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(caseID + "|" + attachmentID + "|" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}
