// Package signing implements the token codec behind signed file URLs. A token
// is base64url(payload-json) + "." + base64url(hmac-sha256(payload-segment)).
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Separator joins the payload and signature segments. The base64url alphabet
// never produces it.
const Separator = "."

var b64 = base64.RawURLEncoding

// payload is the canonical wire form of a Grant. Fields are declared in
// alphabetical key order so encoding/json emits sorted keys with no
// whitespace, and the signed bytes are reproducible.
type payload struct {
	Action    Action `json:"action"`
	ExpiresAt int64  `json:"expiresAt"`
	Filename  string `json:"filename"`
	IssuedAt  int64  `json:"issuedAt"`
	OwnerID   string `json:"ownerId"`
	Scope     string `json:"scope"`
	TenantID  string `json:"tenantId"`
}

// Codec encodes, decodes and authenticates tokens with a process-wide secret.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	secret []byte
}

// NewCodec creates a Codec. The secret is copied so later changes to the
// caller's slice have no effect.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Codec{secret: bytes.Clone(secret)}, nil
}

// Encode serializes and signs g. Timestamps travel as Unix milliseconds, so
// they are truncated to millisecond precision before validation.
func (c *Codec) Encode(g Grant) (string, error) {
	g.IssuedAt = truncateMilli(g.IssuedAt)
	g.ExpiresAt = truncateMilli(g.ExpiresAt)
	if err := g.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload{
		Action:    g.Action,
		ExpiresAt: g.ExpiresAt.UnixMilli(),
		Filename:  g.Filename,
		IssuedAt:  g.IssuedAt.UnixMilli(),
		OwnerID:   g.OwnerID,
		Scope:     g.Scope,
		TenantID:  g.TenantID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	seg := b64.EncodeToString(raw)
	return seg + Separator + b64.EncodeToString(c.sign(seg)), nil
}

// Decode parses a token without checking its signature. Callers that make
// authorization decisions must call VerifySignature first.
func (c *Codec) Decode(token string) (Grant, error) {
	return DecodePayload(token)
}

// VerifySignature recomputes the signature over payloadSegment and compares it
// in constant time with signatureSegment. A mismatch is a false result, not an
// error.
func (c *Codec) VerifySignature(payloadSegment, signatureSegment string) bool {
	got, err := b64.DecodeString(signatureSegment)
	if err != nil {
		return false
	}
	return hmac.Equal(c.sign(payloadSegment), got)
}

func truncateMilli(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func (c *Codec) sign(payloadSegment string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payloadSegment))
	return mac.Sum(nil)
}

// Split separates a token on its first separator.
func Split(token string) (payloadSegment, signatureSegment string, err error) {
	payloadSegment, signatureSegment, found := strings.Cut(token, Separator)
	if !found || payloadSegment == "" || signatureSegment == "" {
		return "", "", fmt.Errorf("%w: expected two segments", ErrMalformedToken)
	}
	return payloadSegment, signatureSegment, nil
}

// DecodePayload reads the grant carried by token. No key is involved, so the
// result is only trustworthy after a successful VerifySignature.
func DecodePayload(token string) (Grant, error) {
	seg, _, err := Split(token)
	if err != nil {
		return Grant{}, err
	}
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: payload encoding", ErrMalformedToken)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Grant{}, fmt.Errorf("%w: payload json", ErrMalformedToken)
	}
	g := Grant{
		TenantID:  p.TenantID,
		Scope:     p.Scope,
		OwnerID:   p.OwnerID,
		Filename:  p.Filename,
		Action:    p.Action,
		IssuedAt:  time.UnixMilli(p.IssuedAt).UTC(),
		ExpiresAt: time.UnixMilli(p.ExpiresAt).UTC(),
	}
	if err := g.Validate(); err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return g, nil
}
