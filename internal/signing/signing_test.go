package signing

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("topsecret"))
	require.NoError(t, err)
	return c
}

func testGrant() Grant {
	issued := time.UnixMilli(1_700_000_000_123).UTC()
	return Grant{
		TenantID:  "t1",
		Scope:     "tasks",
		OwnerID:   "o1",
		Filename:  "report final.pdf",
		Action:    ActionView,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(time.Hour),
	}
}

func TestNewCodec_EmptySecret(t *testing.T) {
	_, err := NewCodec(nil)
	require.ErrorIs(t, err, ErrEmptySecret)
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)

	grants := []Grant{testGrant()}
	g := testGrant()
	g.Action = ActionDownload
	g.Filename = "a.b.c.png"
	grants = append(grants, g)
	g = testGrant()
	g.TenantID = "tenant with spaces & ünïcode"
	grants = append(grants, g)

	for _, want := range grants {
		token, err := c.Encode(want)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(token, Separator))

		got, err := c.Decode(token)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		payloadSeg, sigSeg, err := Split(token)
		require.NoError(t, err)
		assert.True(t, c.VerifySignature(payloadSeg, sigSeg))
	}
}

func TestCodec_SubMillisecondTimes(t *testing.T) {
	c := newTestCodec(t)

	issued := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	g := testGrant()
	g.IssuedAt = issued
	g.ExpiresAt = issued.Add(time.Hour + 500*time.Microsecond)

	token, err := c.Encode(g)
	require.NoError(t, err)
	got, err := c.Decode(token)
	require.NoError(t, err)

	want := g
	want.IssuedAt = time.Date(2024, 3, 1, 11, 0, 0, 123000000, time.UTC)
	want.ExpiresAt = want.IssuedAt.Add(time.Hour)
	assert.Equal(t, want, got)

	again, err := c.Encode(got)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	// A window that vanishes at millisecond precision is rejected up front.
	g.ExpiresAt = g.IssuedAt.Add(100 * time.Microsecond)
	_, err = c.Encode(g)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestCodec_CanonicalPayload(t *testing.T) {
	c := newTestCodec(t)
	token, err := c.Encode(testGrant())
	require.NoError(t, err)

	seg, _, err := Split(token)
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	require.NoError(t, err)

	want := `{"action":"view","expiresAt":1700003600123,"filename":"report final.pdf","issuedAt":1700000000123,"ownerId":"o1","scope":"tasks","tenantId":"t1"}`
	assert.Equal(t, want, string(raw))

	again, err := c.Encode(testGrant())
	require.NoError(t, err)
	assert.Equal(t, token, again, "encoding must be deterministic")
}

func TestCodec_TamperedSignature(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)
	token, err := c.Encode(testGrant())
	require.NoError(t, err)
	payloadSeg, sigSeg, err := Split(token)
	require.NoError(t, err)

	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	require.NoError(t, err)
	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), sig...)
			flipped[i] ^= 1 << bit
			assert.False(t, c.VerifySignature(payloadSeg, base64.RawURLEncoding.EncodeToString(flipped)),
				"byte %d bit %d", i, bit)
		}
	}
}

func TestCodec_TamperedPayload(t *testing.T) {
	c := newTestCodec(t)
	token, err := c.Encode(testGrant())
	require.NoError(t, err)
	_, sigSeg, err := Split(token)
	require.NoError(t, err)

	forged := testGrant()
	forged.TenantID = "t2"
	forgedToken, err := c.Encode(forged)
	require.NoError(t, err)
	forgedPayload, _, err := Split(forgedToken)
	require.NoError(t, err)

	assert.False(t, c.VerifySignature(forgedPayload, sigSeg))
}

func TestCodec_WrongKey(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec([]byte("othersecret"))
	require.NoError(t, err)

	token, err := c.Encode(testGrant())
	require.NoError(t, err)
	payloadSeg, sigSeg, err := Split(token)
	require.NoError(t, err)
	assert.False(t, other.VerifySignature(payloadSeg, sigSeg))
}

func TestCodec_DecodeMalformed(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t)
	encode := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", encode(`{"action":"view"}`)},
		{"empty payload", ".c2ln"},
		{"empty signature", encode(`{}`) + "."},
		{"bad base64", "!!!.c2ln"},
		{"bad json", encode("{nope") + ".c2ln"},
		{"missing fields", encode(`{"action":"view","tenantId":"t1"}`) + ".c2ln"},
		{"unknown action", encode(`{"action":"delete","expiresAt":2,"filename":"f","issuedAt":1,"ownerId":"o","scope":"s","tenantId":"t"}`) + ".c2ln"},
		{"expiry before issue", encode(`{"action":"view","expiresAt":1,"filename":"f","issuedAt":2,"ownerId":"o","scope":"s","tenantId":"t"}`) + ".c2ln"},
		{"path traversal", encode(`{"action":"view","expiresAt":2,"filename":"../etc","issuedAt":1,"ownerId":"o","scope":"s","tenantId":"t"}`) + ".c2ln"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode(tc.token)
			require.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestSplit_FirstSeparatorOnly(t *testing.T) {
	p, s, err := Split("abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc", p)
	assert.Equal(t, "def.ghi", s)
}

func TestCodec_EncodeRejectsInvalidGrant(t *testing.T) {
	c := newTestCodec(t)

	g := testGrant()
	g.OwnerID = ""
	_, err := c.Encode(g)
	require.ErrorIs(t, err, ErrInvalidGrant)

	g = testGrant()
	g.ExpiresAt = g.IssuedAt
	_, err = c.Encode(g)
	require.ErrorIs(t, err, ErrInvalidGrant)

	g = testGrant()
	g.Scope = "a/b"
	_, err = c.Encode(g)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("")
	require.NoError(t, err)
	assert.Equal(t, ActionView, a)

	a, err = ParseAction(" Download ")
	require.NoError(t, err)
	assert.Equal(t, ActionDownload, a)

	_, err = ParseAction("delete")
	require.ErrorIs(t, err, ErrInvalidGrant)
}
