// ABOUTME: HMAC-SHA256 webhook signature verification with a replay window
// ABOUTME: Header format is "t=<unix>,v0=<hex hmac of '<t>.<body>'>"

package webhook

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

// SignatureHeader carries the webhook signature.
const SignatureHeader = "ElevenLabs-Signature"

// DefaultTolerance is the accepted clock skew between signing and receipt.
const DefaultTolerance = 30 * time.Minute

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("stale webhook timestamp")
)

// VerifySignature checks header against body using secret. The timestamp
// must be within tolerance of now in either direction.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return ErrMissingSignature
	}

	timestamp, signatures := parseHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
		return ErrStaleTimestamp
	}

	expected := []byte(computeMAC(secret, timestamp, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign returns a header value for body signed at ts.
func Sign(secret string, body []byte, ts time.Time) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v0=%s", timestamp, computeMAC(secret, timestamp, body))
}

func computeMAC(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseHeader splits "t=...,v0=...,v0=..." allowing several v0 values during
// secret rotation.
func parseHeader(header string) (timestamp string, signatures []string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v0":
			signatures = append(signatures, value)
		}
	}
	return timestamp, signatures
}
