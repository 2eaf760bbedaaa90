// Package legacy migrates deprecated /uploads/... links, which carry a bearer
// JWT in a token query parameter, to signed /files/secure/... links.
package legacy

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/signing"
)

// TokenParam is the query parameter carrying the legacy bearer token.
const TokenParam = "token"

const (
	uploadsSegment = "uploads"
	filesSegment   = "files"
	secureSegment  = "secure"
)

// IsLegacyURL reports whether rawURL carries a legacy token query parameter.
func IsLegacyURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Contains(rawURL, "?"+TokenParam+"=") || strings.Contains(rawURL, "&"+TokenParam+"=")
	}
	return u.Query().Has(TokenParam)
}

// ExtractGrantFromURL recovers the file location from either a signed
// .../files/secure/{token} URL or a legacy .../uploads/{tenant}/{scope}/{owner}/{file}
// URL. The signed form is read without checking its signature, so the result
// must not be used for authorization.
func ExtractGrantFromURL(rawURL string) (model.Location, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.Location{}, false
	}
	segs := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")

	for i := 1; i+1 < len(segs); i++ {
		if segs[i-1] != filesSegment || segs[i] != secureSegment {
			continue
		}
		if loc, ok := decodeSecure(segs[i+1]); ok {
			return loc, true
		}
	}

	i := len(segs) - 5
	if i < 0 || segs[i] != uploadsSegment {
		return model.Location{}, false
	}
	parts := make([]string, 4)
	for j := range parts {
		if parts[j], err = url.PathUnescape(segs[i+1+j]); err != nil {
			return model.Location{}, false
		}
	}
	loc := model.Location{TenantID: parts[0], Scope: parts[1], OwnerID: parts[2], Filename: parts[3]}
	if loc.Validate() != nil {
		return model.Location{}, false
	}
	return loc, true
}

func decodeSecure(seg string) (model.Location, bool) {
	token, err := url.PathUnescape(seg)
	if err != nil {
		return model.Location{}, false
	}
	g, err := signing.DecodePayload(token)
	if err != nil {
		return model.Location{}, false
	}
	return g.Location(), true
}

// Issuer issues signed URLs. *signedurl.Service and *HTTPIssuer satisfy it.
type Issuer interface {
	GenerateSignedURL(in signedurl.GrantInput) (*signedurl.SignedURL, error)
}

// Status says which path Convert took.
type Status int

const (
	// Unchanged means the input was not a legacy URL.
	Unchanged Status = iota
	// Unextractable means no location could be recovered from the URL.
	Unextractable
	// IssueFailed means the issuer rejected the request.
	IssueFailed
	// Converted means URL is a freshly issued signed URL.
	Converted
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Unextractable:
		return "unextractable"
	case IssueFailed:
		return "issue_failed"
	case Converted:
		return "converted"
	}
	return "unknown"
}

// Conversion is the outcome of Convert. URL is the original input for every
// status except Converted.
type Conversion struct {
	URL    string
	Status Status
}

// Converter rewrites legacy URLs as signed view URLs.
type Converter struct {
	issuer  Issuer
	baseURL string
	log     *slog.Logger
}

// NewConverter constructs a Converter. Relative signed URLs are prefixed with
// baseURL.
func NewConverter(issuer Issuer, baseURL string, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{issuer: issuer, baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

// ConvertOption adjusts the grant requested for a converted URL.
type ConvertOption func(*signedurl.GrantInput)

// WithExpiry requests a lifetime of minutes instead of the issuer default.
func WithExpiry(minutes int) ConvertOption {
	return func(in *signedurl.GrantInput) { in.ExpiresInMinutes = signedurl.Minutes(minutes) }
}

// WithAction requests action instead of view.
func WithAction(action signing.Action) ConvertOption {
	return func(in *signedurl.GrantInput) { in.Action = action }
}

// Convert issues a signed URL for a legacy URL. Without options the grant is
// a view grant with the issuer's default lifetime.
func (c *Converter) Convert(rawURL string, opts ...ConvertOption) Conversion {
	if !IsLegacyURL(rawURL) {
		return Conversion{URL: rawURL, Status: Unchanged}
	}
	loc, ok := ExtractGrantFromURL(rawURL)
	if !ok {
		c.log.Warn("legacy url: cannot extract file location, keeping original")
		return Conversion{URL: rawURL, Status: Unextractable}
	}
	in := signedurl.GrantInput{
		TenantID: loc.TenantID,
		Scope:    loc.Scope,
		OwnerID:  loc.OwnerID,
		Filename: loc.Filename,
		Action:   signing.ActionView,
	}
	for _, opt := range opts {
		opt(&in)
	}
	signed, err := c.issuer.GenerateSignedURL(in)
	if err != nil {
		c.log.Warn("legacy url: issue signed url failed, keeping original", "file", loc.String(), "err", err)
		return Conversion{URL: rawURL, Status: IssueFailed}
	}
	out := signed.URL
	if strings.HasPrefix(out, "/") {
		out = c.baseURL + out
	}
	return Conversion{URL: out, Status: Converted}
}

// ConvertToSignedURL returns Convert(rawURL, opts...).URL.
func (c *Converter) ConvertToSignedURL(rawURL string, opts ...ConvertOption) string {
	return c.Convert(rawURL, opts...).URL
}
