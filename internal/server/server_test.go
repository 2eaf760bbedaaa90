package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/securefiles/internal/auth"
	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/signing"
	"github.com/dharsanguruparan/securefiles/internal/storage"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type harness struct {
	t       *testing.T
	cfg     *config.Config
	handler http.Handler
	signer  *signedurl.Service
	authn   *auth.Authenticator
	store   *storage.Local
	tracker *tracking.MemoryTracker
	now     time.Time
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Address:          ":0",
		BaseURL:          "http://localhost:8080",
		MaxFileSize:      1024,
		AllowedTypes:     []string{"image/png", "application/pdf", "text/plain"},
		CORSDomainSuffix: "example.com",
		LegacyMode:       config.LegacyStrict,
		TenantQuotaBytes: 1 << 20,
	}
	for _, m := range mutate {
		m(cfg)
	}
	h := &harness{t: t, cfg: cfg, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	codec, err := signing.NewCodec([]byte("gateway-test-secret"))
	require.NoError(t, err)
	h.signer = signedurl.New(codec, signedurl.WithClock(func() time.Time { return h.now }))
	h.authn, err = auth.NewAuthenticator([]byte("jwt-test-secret"))
	require.NoError(t, err)
	h.store, err = storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	h.tracker = tracking.NewMemoryTracker(cfg.TenantQuotaBytes)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.handler = New(cfg, h.signer, h.authn, h.store, h.tracker, log).Handler()
	return h
}

func (h *harness) bearer(tenant string) string {
	h.t.Helper()
	tok, err := h.authn.IssueToken("u-"+tenant, tenant, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) put(loc model.Location, body []byte) {
	h.t.Helper()
	_, err := h.store.Save(context.Background(), loc, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(h.t, err)
}

func (h *harness) do(method, target, tenant string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+h.bearer(tenant))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postJSON(target, tenant string, payload any) *httptest.ResponseRecorder {
	h.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(h.t, err)
	return h.do(http.MethodPost, target, tenant, bytes.NewReader(data), "application/json")
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

var xPNG = model.Location{TenantID: "t1", Scope: "tasks", OwnerID: "o1", Filename: "x.png"}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSignedURL_IssueAndServe(t *testing.T) {
	h := newHarness(t)
	h.put(xPNG, pngBytes)

	rec := h.postJSON("/files/signed-url", "t1", map[string]any{
		"scope": "tasks", "ownerId": "o1", "filename": "x.png",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out signedURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, strings.HasPrefix(out.URL, signedurl.PathPrefix))
	assert.Equal(t, h.now.Add(time.Hour).UnixMilli(), out.ExpiresAt)
	assert.Equal(t, int64(3600), out.ExpiresIn)

	rec = h.do(http.MethodGet, out.URL, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pngBytes, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename=x.png`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "private, max-age=300", rec.Header().Get("Cache-Control"))
}

func TestSignedURL_DownloadAndShortExpiry(t *testing.T) {
	h := newHarness(t)
	h.put(xPNG, pngBytes)

	rec := h.postJSON("/files/signed-url", "t1", map[string]any{
		"tenantId": "t1", "scope": "tasks", "ownerId": "o1", "filename": "x.png",
		"action": "download", "expiresInMinutes": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var out signedURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(60), out.ExpiresIn)

	rec = h.do(http.MethodGet, out.URL, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename=x.png`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "private, max-age=60", rec.Header().Get("Cache-Control"))
}

func TestSignedURL_Errors(t *testing.T) {
	h := newHarness(t)
	h.put(xPNG, pngBytes)

	tests := []struct {
		name   string
		tenant string
		body   map[string]any
		status int
	}{
		{"unauthenticated", "", map[string]any{"scope": "tasks", "ownerId": "o1", "filename": "x.png"}, http.StatusUnauthorized},
		{"missing filename", "t1", map[string]any{"scope": "tasks", "ownerId": "o1"}, http.StatusBadRequest},
		{"tenant mismatch", "t2", map[string]any{"tenantId": "t1", "scope": "tasks", "ownerId": "o1", "filename": "x.png"}, http.StatusForbidden},
		{"negative expiry", "t1", map[string]any{"scope": "tasks", "ownerId": "o1", "filename": "x.png", "expiresInMinutes": -1}, http.StatusBadRequest},
		{"zero expiry", "t1", map[string]any{"scope": "tasks", "ownerId": "o1", "filename": "x.png", "expiresInMinutes": 0}, http.StatusBadRequest},
		{"unknown action", "t1", map[string]any{"scope": "tasks", "ownerId": "o1", "filename": "x.png", "action": "delete"}, http.StatusBadRequest},
		{"path traversal", "t1", map[string]any{"scope": "tasks", "ownerId": "o1", "filename": "../x.png"}, http.StatusBadRequest},
		{"file absent", "t1", map[string]any{"scope": "tasks", "ownerId": "o1", "filename": "nope.png"}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.postJSON("/files/signed-url", tc.tenant, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	rec := h.do(http.MethodPost, "/files/signed-url", "t1", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (h *harness) issue(loc model.Location, action signing.Action) string {
	h.t.Helper()
	signed, err := h.signer.GenerateSignedURL(signedurl.GrantInput{
		TenantID: loc.TenantID, Scope: loc.Scope, OwnerID: loc.OwnerID, Filename: loc.Filename, Action: action,
	})
	require.NoError(h.t, err)
	return signed.URL
}

func TestSecureFile_ExpiredAndInvalid(t *testing.T) {
	h := newHarness(t)
	h.put(xPNG, pngBytes)
	u := h.issue(xPNG, signing.ActionView)

	h.now = h.now.Add(time.Hour - time.Millisecond)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, u, "", nil, "").Code)

	h.now = h.now.Add(2 * time.Millisecond)
	rec := h.do(http.MethodGet, u, "", nil, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, msgExpired, errorBody(t, rec))

	for _, bad := range []string{
		signedurl.PathPrefix + "garbage",
		signedurl.PathPrefix + "a.b",
		u[:len(u)-2] + "xx",
	} {
		rec := h.do(http.MethodGet, bad, "", nil, "")
		assert.Equal(t, http.StatusForbidden, rec.Code, bad)
		assert.Equal(t, msgDenied, errorBody(t, rec))
	}
}

func TestSecureFile_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	a := model.Location{TenantID: "A", Scope: "tasks", OwnerID: "o1", Filename: "a.png"}
	h.put(a, pngBytes)
	u := h.issue(a, signing.ActionView)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, u, "B", nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, u, "A", nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, u, "", nil, "").Code)

	// Issuance for another tenant's file is refused too.
	rec := h.postJSON("/files/signed-url", "B", map[string]any{
		"tenantId": "A", "scope": "tasks", "ownerId": "o1", "filename": "a.png",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSecureFile_MissingFile(t *testing.T) {
	h := newHarness(t)
	u := h.issue(xPNG, signing.ActionView)
	rec := h.do(http.MethodGet, u, "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignedURLs_Batch(t *testing.T) {
	h := newHarness(t)
	y := xPNG
	y.Filename = "y.png"
	h.put(xPNG, pngBytes)
	h.put(y, pngBytes)

	rec := h.postJSON("/files/signed-urls", "t1", map[string]any{
		"files": []map[string]any{
			{"scope": "tasks", "ownerId": "o1", "filename": "x.png"},
			{"scope": "tasks", "ownerId": "o1", "filename": "y.png", "tenantId": "t1"},
		},
		"action": "download",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var items []batchItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "x.png", items[0].Filename)
	assert.Equal(t, "y.png", items[1].Filename)
	for _, it := range items {
		res := h.signer.VerifySignedURL(strings.TrimPrefix(it.URL, signedurl.PathPrefix))
		require.True(t, res.Valid)
		assert.Equal(t, signing.ActionDownload, res.Action)
		assert.Equal(t, h.now.Add(time.Hour).UnixMilli(), it.ExpiresAt)
	}
}

func TestSignedURLs_BatchErrors(t *testing.T) {
	h := newHarness(t)
	h.put(xPNG, pngBytes)

	// The tenant check wins over the missing file.
	rec := h.postJSON("/files/signed-urls", "t1", map[string]any{
		"files": []map[string]any{
			{"scope": "tasks", "ownerId": "o1", "filename": "missing.png"},
			{"scope": "tasks", "ownerId": "o1", "filename": "x.png", "tenantId": "t2"},
		},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.postJSON("/files/signed-urls", "t1", map[string]any{
		"files": []map[string]any{
			{"scope": "tasks", "ownerId": "o1", "filename": "x.png"},
			{"scope": "tasks", "ownerId": "o1", "filename": "missing.png"},
		},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorBody(t, rec), "missing.png")

	rec = h.postJSON("/files/signed-urls", "t1", map[string]any{"files": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.postJSON("/files/signed-urls", "", map[string]any{"files": []any{}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

const legacyPath = "/uploads/t1/tasks/o1/x.png"

func TestLegacy_Strict(t *testing.T) {
	h := newHarness(t)
	h.put(xPNG, pngBytes)

	rec := h.do(http.MethodGet, legacyPath, "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, legacyPath+"?token=not-a-jwt", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, legacyPath+"?token="+h.bearer("t2"), "", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, legacyPath+"?token="+h.bearer("t1"), "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pngBytes, rec.Body.Bytes())
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))

	rec = h.do(http.MethodGet, legacyPath, "t1", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "Authorization header also accepted")

	rec = h.do(http.MethodGet, "/uploads/t1/tasks/o1/gone.png?token="+h.bearer("t1"), "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLegacy_Fallback(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LegacyMode = config.LegacyFallback })
	h.put(xPNG, pngBytes)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, legacyPath, "", nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, legacyPath+"?token=junk", "", nil, "").Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, legacyPath+"?token="+h.bearer("t2"), "", nil, "").Code)
}

func TestLegacy_Off(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LegacyMode = config.LegacyOff })
	h.put(xPNG, pngBytes)
	rec := h.do(http.MethodGet, legacyPath+"?token="+h.bearer("t1"), "", nil, "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if content != nil {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	h := newHarness(t)
	body, ct := multipartBody(t, map[string]string{"scope": "tasks", "ownerId": "o1"}, "photo.png", pngBytes)

	rec := h.do(http.MethodPost, "/files/upload", "t1", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, "photo.png", out.Filename)
	assert.Equal(t, "image/png", out.ContentType)
	assert.Equal(t, int64(len(pngBytes)), out.Size)
	assert.Equal(t, h.now.Add(24*time.Hour).UnixMilli(), out.ExpiresAt)

	loc := model.Location{TenantID: "t1", Scope: "tasks", OwnerID: "o1", Filename: "photo.png"}
	rec = h.do(http.MethodGet, out.URL, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pngBytes, rec.Body.Bytes())

	tracked, err := h.tracker.Get(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, out.ID, tracked.ID)
	assert.Equal(t, int64(len(pngBytes)), h.tracker.Usage("t1"))
}

func TestUpload_Rejections(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.TenantQuotaBytes = 100 })
	fields := map[string]string{"scope": "tasks", "ownerId": "o1"}

	body, ct := multipartBody(t, fields, "big.png", append(pngBytes, bytes.Repeat([]byte{1}, 2048)...))
	assert.Equal(t, http.StatusRequestEntityTooLarge, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)

	body, ct = multipartBody(t, fields, "a.zip", []byte("PK\x03\x04rest-of-zip"))
	assert.Equal(t, http.StatusUnsupportedMediaType, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)

	body, ct = multipartBody(t, fields, "", nil)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)

	body, ct = multipartBody(t, map[string]string{"scope": "tasks"}, "a.png", pngBytes)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)

	body, ct = multipartBody(t, fields, "a.png", pngBytes)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/files/upload", "", body, ct).Code)

	body, ct = multipartBody(t, fields, "one.png", pngBytes)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)
	body, ct = multipartBody(t, fields, "two.png", pngBytes)
	assert.Equal(t, http.StatusRequestEntityTooLarge, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)
	_, err := h.store.Stat(context.Background(), model.Location{TenantID: "t1", Scope: "tasks", OwnerID: "o1", Filename: "two.png"})
	assert.ErrorIs(t, err, storage.ErrNotFound, "over-quota uploads are not stored")
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	body, ct := multipartBody(t, map[string]string{"scope": "tasks", "ownerId": "o1"}, "x.png", pngBytes)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/files/tasks/o1/x.png", "t2", nil, "").Code,
		"deletes are scoped to the caller's tenant")
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodDelete, "/files/tasks/o1/x.png", "", nil, "").Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/files/tasks/o1/x.png", "t1", nil, "").Code)
	assert.Equal(t, int64(0), h.tracker.Usage("t1"))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/files/tasks/o1/x.png", "t1", nil, "").Code)
}

// flakyStore fails Save on demand.
type flakyStore struct {
	storage.Store
	failSave bool
}

func (f *flakyStore) Save(ctx context.Context, loc model.Location, r io.Reader, size int64, contentType string) (storage.Info, error) {
	if f.failSave {
		return storage.Info{}, errors.New("disk full")
	}
	return f.Store.Save(ctx, loc, r, size, contentType)
}

// writeOnlyTracker hides the tracker's Get.
type writeOnlyTracker struct {
	tracking.Tracker
}

func TestUpload_FailedReplaceKeepsRecord(t *testing.T) {
	tests := []struct {
		name    string
		tracker func(*tracking.MemoryTracker) tracking.Tracker
		keepsID bool
	}{
		{"lookup tracker", func(m *tracking.MemoryTracker) tracking.Tracker { return m }, true},
		{"write-only tracker", func(m *tracking.MemoryTracker) tracking.Tracker { return writeOnlyTracker{m} }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			store := &flakyStore{Store: h.store}
			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			h.handler = New(h.cfg, h.signer, h.authn, store, tc.tracker(h.tracker), log).Handler()
			fields := map[string]string{"scope": "tasks", "ownerId": "o1"}

			body, ct := multipartBody(t, fields, "x.png", pngBytes)
			rec := h.do(http.MethodPost, "/files/upload", "t1", body, ct)
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			var first uploadResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

			store.failSave = true
			bigger := append(append([]byte{}, pngBytes...), bytes.Repeat([]byte{7}, 100)...)
			body, ct = multipartBody(t, fields, "x.png", bigger)
			assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)

			tracked, err := h.tracker.Get(context.Background(), xPNG)
			require.NoError(t, err)
			assert.Equal(t, int64(len(pngBytes)), tracked.Size)
			if tc.keepsID {
				assert.Equal(t, first.ID, tracked.ID)
			}
			assert.Equal(t, int64(len(pngBytes)), h.tracker.Usage("t1"))

			info, err := h.store.Stat(context.Background(), xPNG)
			require.NoError(t, err)
			assert.Equal(t, int64(len(pngBytes)), info.Size)

			// A failed first upload leaves nothing tracked.
			body, ct = multipartBody(t, fields, "y.png", pngBytes)
			assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodPost, "/files/upload", "t1", body, ct).Code)
			_, err = h.tracker.Get(context.Background(), model.Location{TenantID: "t1", Scope: "tasks", OwnerID: "o1", Filename: "y.png"})
			assert.ErrorIs(t, err, tracking.ErrNotFound)
			assert.Equal(t, int64(len(pngBytes)), h.tracker.Usage("t1"))
		})
	}
}

func TestRespondJSON_LogsEncodeFailure(t *testing.T) {
	var logs bytes.Buffer
	s := New(&config.Config{}, nil, nil, nil, nil, slog.New(slog.NewTextHandler(&logs, nil)))

	rec := httptest.NewRecorder()
	s.respondJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "encode response")
}
