// Package signedurl issues and verifies signed file URLs. It is the trust
// boundary for file access decisions and never touches storage.
package signedurl

import (
	"fmt"
	"time"

	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/signing"
)

const (
	// PathPrefix is the route under which signed tokens are served.
	PathPrefix = "/files/secure/"

	DefaultExpiryMinutes = 60
	UploadExpiryMinutes  = 1440
)

// GrantInput is the caller-supplied description of a grant to issue.
// A nil ExpiresInMinutes selects the service default.
type GrantInput struct {
	TenantID         string         `json:"tenantId"`
	Scope            string         `json:"scope"`
	OwnerID          string         `json:"ownerId"`
	Filename         string         `json:"filename"`
	Action           signing.Action `json:"action,omitempty"`
	ExpiresInMinutes *int           `json:"expiresInMinutes,omitempty"`
}

// Minutes returns a pointer to n for GrantInput.ExpiresInMinutes.
func Minutes(n int) *int { return &n }

// Location is the storage location the input refers to.
func (in GrantInput) Location() model.Location {
	return model.Location{TenantID: in.TenantID, Scope: in.Scope, OwnerID: in.OwnerID, Filename: in.Filename}
}

// SignedURL is the result of issuance.
type SignedURL struct {
	URL       string    `json:"url"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Result is the outcome of verifying a token. Location fields are populated
// only when Valid is true.
type Result struct {
	Valid    bool           `json:"valid"`
	Expired  bool           `json:"expired"`
	TenantID string         `json:"tenantId,omitempty"`
	Scope    string         `json:"scope,omitempty"`
	OwnerID  string         `json:"ownerId,omitempty"`
	Filename string         `json:"filename,omitempty"`
	Action   signing.Action `json:"action,omitempty"`
	// ExpiresAt is set only on valid results.
	ExpiresAt time.Time `json:"-"`
}

// Err maps the result onto the signing error taxonomy.
func (r Result) Err() error {
	switch {
	case r.Valid:
		return nil
	case r.Expired:
		return signing.ErrExpiredGrant
	default:
		return signing.ErrInvalidSignature
	}
}

// Service issues and verifies signed URLs.
type Service struct {
	codec         *signing.Codec
	now           func() time.Time
	defaultExpiry int
	uploadExpiry  int
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultExpiry sets the lifetime, in minutes, of regular grants.
func WithDefaultExpiry(minutes int) Option {
	return func(s *Service) {
		if minutes > 0 {
			s.defaultExpiry = minutes
		}
	}
}

// WithUploadExpiry sets the lifetime, in minutes, of grants issued for uploads.
func WithUploadExpiry(minutes int) Option {
	return func(s *Service) {
		if minutes > 0 {
			s.uploadExpiry = minutes
		}
	}
}

// New creates a Service around codec.
func New(codec *signing.Codec, opts ...Option) *Service {
	s := &Service{
		codec:         codec,
		now:           time.Now,
		defaultExpiry: DefaultExpiryMinutes,
		uploadExpiry:  UploadExpiryMinutes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks and normalizes in. The returned input has a concrete action.
func (s *Service) Validate(in GrantInput) (GrantInput, error) {
	if err := in.Location().Validate(); err != nil {
		return GrantInput{}, fmt.Errorf("%w: %v", signing.ErrInvalidGrant, err)
	}
	action, err := signing.ParseAction(string(in.Action))
	if err != nil {
		return GrantInput{}, err
	}
	in.Action = action
	if in.ExpiresInMinutes != nil && *in.ExpiresInMinutes <= 0 {
		return GrantInput{}, fmt.Errorf("%w: expiresInMinutes must be positive", signing.ErrInvalidGrant)
	}
	return in, nil
}

// GenerateSignedURL issues a relative signed URL for in.
func (s *Service) GenerateSignedURL(in GrantInput) (*SignedURL, error) {
	return s.issue(in, s.defaultExpiry)
}

// GenerateUploadURL is GenerateSignedURL with the longer upload default.
func (s *Service) GenerateUploadURL(in GrantInput) (*SignedURL, error) {
	return s.issue(in, s.uploadExpiry)
}

func (s *Service) issue(in GrantInput, defaultMinutes int) (*SignedURL, error) {
	in, err := s.Validate(in)
	if err != nil {
		return nil, err
	}
	minutes := defaultMinutes
	if in.ExpiresInMinutes != nil {
		minutes = *in.ExpiresInMinutes
	}
	issuedAt := time.UnixMilli(s.now().UnixMilli()).UTC()
	grant := signing.Grant{
		TenantID:  in.TenantID,
		Scope:     in.Scope,
		OwnerID:   in.OwnerID,
		Filename:  in.Filename,
		Action:    in.Action,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Duration(minutes) * time.Minute),
	}
	token, err := s.codec.Encode(grant)
	if err != nil {
		return nil, err
	}
	return &SignedURL{
		URL:       PathPrefix + token,
		Token:     token,
		ExpiresAt: grant.ExpiresAt,
	}, nil
}

// VerifySignedURL checks token end to end. It never fails: malformed, forged
// and expired tokens are reported through the result. The signature is
// checked before the payload is parsed, so a forged token yields no fields.
func (s *Service) VerifySignedURL(token string) Result {
	payloadSeg, sigSeg, err := signing.Split(token)
	if err != nil {
		return Result{}
	}
	if !s.codec.VerifySignature(payloadSeg, sigSeg) {
		return Result{}
	}
	grant, err := s.codec.Decode(token)
	if err != nil {
		return Result{}
	}
	if s.now().After(grant.ExpiresAt) {
		return Result{Expired: true}
	}
	return Result{
		Valid:     true,
		TenantID:  grant.TenantID,
		Scope:     grant.Scope,
		OwnerID:   grant.OwnerID,
		Filename:  grant.Filename,
		Action:    grant.Action,
		ExpiresAt: grant.ExpiresAt,
	}
}

// TimeRemaining returns whole seconds until expiresAt, never negative.
func (s *Service) TimeRemaining(expiresAt time.Time) int64 {
	d := expiresAt.Sub(s.now())
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
