package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_ValidSignature(t *testing.T) {
	v := NewVerifier("topsecret", false)
	body := []byte(`{"conversation_id":"conv_1"}`)
	now := time.Now()

	header := v.Sign(body, now)
	require.NoError(t, v.Verify(header, body, now))
}

func TestVerify_TamperedBody(t *testing.T) {
	v := NewVerifier("topsecret", false)
	now := time.Now()

	header := v.Sign([]byte(`{"a":1}`), now)
	err := v.Verify(header, []byte(`{"a":2}`), now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerify_WrongSecret(t *testing.T) {
	signer := NewVerifier("one", false)
	verifier := NewVerifier("two", false)
	body := []byte(`{}`)
	now := time.Now()

	err := verifier.Verify(signer.Sign(body, now), body, now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerify_TimestampWindow(t *testing.T) {
	v := NewVerifier("topsecret", false)
	body := []byte(`{}`)
	now := time.Now()

	tests := []struct {
		name     string
		signedAt time.Time
		wantErr  error
	}{
		{"well within window", now.Add(-time.Minute), nil},
		{"future within window", now.Add(2 * time.Minute), nil},
		{"too old", now.Add(-6 * time.Minute), ErrTimestampOutOfRange},
		{"too far in future", now.Add(6 * time.Minute), ErrTimestampOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := v.Sign(body, tt.signedAt)
			err := v.Verify(header, body, now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestVerify_MalformedHeaders(t *testing.T) {
	v := NewVerifier("topsecret", false)
	body := []byte(`{}`)
	now := time.Now()

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"empty", "", ErrMissingSignature},
		{"no pairs", "garbage", ErrMalformedSignature},
		{"missing v0", fmt.Sprintf("t=%d", now.Unix()), ErrMalformedSignature},
		{"missing t", "v0=abcdef", ErrMalformedSignature},
		{"non-numeric timestamp", "t=nope,v0=abcdef", ErrMalformedSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Verify(tt.header, body, now), tt.wantErr)
		})
	}
}

func TestVerify_UnsignedBypass(t *testing.T) {
	// Development mode with no configured secret accepts unsigned events.
	dev := NewVerifier("", true)
	assert.NoError(t, dev.Verify("", []byte(`{}`), time.Now()))

	// Without the bypass a missing secret is a hard failure.
	prod := NewVerifier("", false)
	assert.ErrorIs(t, prod.Verify("", []byte(`{}`), time.Now()), ErrNoSecret)
}
