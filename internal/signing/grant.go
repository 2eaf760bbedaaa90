package signing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dharsanguruparan/securefiles/internal/model"
)

var (
	// ErrMalformedToken reports a token that cannot be split, decoded or parsed.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidSignature reports a token whose signature does not match its payload.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpiredGrant reports a well-formed, authentic token past its expiry.
	ErrExpiredGrant = errors.New("grant expired")
	// ErrInvalidGrant reports missing or unusable grant fields at issuance time.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrEmptySecret is returned when a codec is built without key material.
	ErrEmptySecret = errors.New("signing secret is empty")
)

// Action is the operation a grant authorizes.
type Action string

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
)

// ParseAction maps user input onto an Action. An empty string means view.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case "", ActionView:
		return ActionView, nil
	case ActionDownload:
		return ActionDownload, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, s)
}

// Grant describes what a signed token authorizes. The four location fields map
// one-to-one onto storageRoot/tenantID/scope/ownerID/filename.
type Grant struct {
	TenantID  string
	Scope     string
	OwnerID   string
	Filename  string
	Action    Action
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Location is the storage location the grant points at.
func (g Grant) Location() model.Location {
	return model.Location{TenantID: g.TenantID, Scope: g.Scope, OwnerID: g.OwnerID, Filename: g.Filename}
}

// Validate enforces the grant invariants shared by encoding and decoding.
func (g Grant) Validate() error {
	if err := g.Location().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if g.Action != ActionView && g.Action != ActionDownload {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, g.Action)
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return fmt.Errorf("%w: expiresAt must be after issuedAt", ErrInvalidGrant)
	}
	return nil
}
