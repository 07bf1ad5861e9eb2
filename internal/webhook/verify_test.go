// ABOUTME: Tests for webhook signature verification
// ABOUTME: Covers valid, tampered, stale, future, rotated, and missing signatures

package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{"type":"conversation_started"}`)
	secret := "wsec_test"

	tests := []struct {
		name    string
		header  string
		body    []byte
		wantErr error
	}{
		{"valid", Sign(secret, body, now), body, nil},
		{"valid within window", Sign(secret, body, now.Add(-29*time.Minute)), body, nil},
		{"tampered body", Sign(secret, body, now), []byte(`{"type":"error"}`), ErrInvalidSignature},
		{"wrong secret", Sign("other", body, now), body, ErrInvalidSignature},
		{"stale", Sign(secret, body, now.Add(-31*time.Minute)), body, ErrStaleTimestamp},
		{"from the future", Sign(secret, body, now.Add(31*time.Minute)), body, ErrStaleTimestamp},
		{"missing", "", body, ErrMissingSignature},
		{"no timestamp", "v0=abcd", body, ErrInvalidSignature},
		{"no signature", "t=1750000000", body, ErrInvalidSignature},
		{"bad timestamp", "t=yesterday,v0=abcd", body, ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, tt.header, tt.body, now, DefaultTolerance)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifySignatureRotation(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	body := []byte(`{}`)
	current := Sign("new", body, now)
	old := Sign("old", body, now)

	// both v0 values present, verifier holds the old secret
	_, oldSig, _ := cutSig(old)
	header := current + ",v0=" + oldSig
	assert.NoError(t, VerifySignature("old", header, body, now, DefaultTolerance))
	assert.NoError(t, VerifySignature("new", header, body, now, DefaultTolerance))
}

func cutSig(header string) (string, string, bool) {
	ts, sigs := parseHeader(header)
	if len(sigs) == 0 {
		return ts, "", false
	}
	return ts, sigs[0], true
}
