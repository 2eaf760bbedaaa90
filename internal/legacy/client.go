package legacy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/dharsanguruparan/securefiles/internal/signedurl"
)

const issuePath = "/files/signed-url"

type issueResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
	ExpiresIn int64  `json:"expiresIn"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPIssuer issues signed URLs through a remote gateway's issuance endpoint.
type HTTPIssuer struct {
	client *resty.Client
}

// NewHTTPIssuer constructs an issuer for the gateway at baseURL that
// authenticates with bearer.
func NewHTTPIssuer(baseURL, bearer string) *HTTPIssuer {
	return &HTTPIssuer{
		client: resty.New().
			SetTimeout(15*time.Second).
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(bearer).
			SetHeader("Content-Type", "application/json"),
	}
}

// GenerateSignedURL posts in to the gateway.
func (h *HTTPIssuer) GenerateSignedURL(in signedurl.GrantInput) (*signedurl.SignedURL, error) {
	var (
		out    issueResponse
		failed errorResponse
	)
	res, err := h.client.R().
		SetBody(in).
		SetResult(&out).
		SetError(&failed).
		Post(issuePath)
	if err != nil {
		return nil, fmt.Errorf("request signed url: %w", err)
	}
	if res.IsError() {
		if failed.Error == "" {
			failed.Error = res.Status()
		}
		return nil, fmt.Errorf("request signed url: status %d: %s", res.StatusCode(), failed.Error)
	}
	if out.URL == "" {
		return nil, errors.New("request signed url: empty url in response")
	}
	token := ""
	if i := strings.Index(out.URL, signedurl.PathPrefix); i >= 0 {
		token = out.URL[i+len(signedurl.PathPrefix):]
	}
	return &signedurl.SignedURL{
		URL:       out.URL,
		Token:     token,
		ExpiresAt: time.UnixMilli(out.ExpiresAt).UTC(),
	}, nil
}
