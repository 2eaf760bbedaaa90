package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/securefiles/internal/auth"
	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/legacy"
	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/signing"
	"github.com/dharsanguruparan/securefiles/internal/storage"
)

type signedURLRequest struct {
	TenantID         string `json:"tenantId"`
	Scope            string `json:"scope"`
	OwnerID          string `json:"ownerId"`
	Filename         string `json:"filename"`
	Action           string `json:"action"`
	ExpiresInMinutes *int   `json:"expiresInMinutes"`
}

type signedURLResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
	ExpiresIn int64  `json:"expiresIn"`
}

type batchFile struct {
	TenantID string `json:"tenantId"`
	Scope    string `json:"scope"`
	OwnerID  string `json:"ownerId"`
	Filename string `json:"filename"`
}

type batchRequest struct {
	Files            []batchFile `json:"files"`
	Action           string      `json:"action"`
	ExpiresInMinutes *int        `json:"expiresInMinutes"`
}

type batchItem struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

// grantInput fills in the caller's tenant and checks the request against it.
// The returned status is zero on success.
func grantInput(id auth.Identity, f batchFile, action string, minutes *int) (signedurl.GrantInput, int, string) {
	if f.Filename == "" || f.Scope == "" || f.OwnerID == "" {
		return signedurl.GrantInput{}, http.StatusBadRequest, "filename, scope and ownerId are required"
	}
	if f.TenantID == "" {
		f.TenantID = id.TenantID
	}
	if err := auth.CheckTenant(id, f.TenantID); err != nil {
		return signedurl.GrantInput{}, http.StatusForbidden, msgDenied
	}
	return signedurl.GrantInput{
		TenantID:         f.TenantID,
		Scope:            f.Scope,
		OwnerID:          f.OwnerID,
		Filename:         f.Filename,
		Action:           signing.Action(action),
		ExpiresInMinutes: minutes,
	}, 0, ""
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req signedURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in, status, msg := grantInput(id, batchFile{
		TenantID: req.TenantID,
		Scope:    req.Scope,
		OwnerID:  req.OwnerID,
		Filename: req.Filename,
	}, req.Action, req.ExpiresInMinutes)
	if status != 0 {
		s.respondError(w, status, msg)
		return
	}
	in, err := s.signer.Validate(in)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.Stat(r.Context(), in.Location()); err != nil {
		s.storeError(w, err, in.Location())
		return
	}
	signed, err := s.signer.GenerateSignedURL(in)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, signedURLResponse{
		URL:       signed.URL,
		ExpiresAt: signed.ExpiresAt.UnixMilli(),
		ExpiresIn: s.signer.TimeRemaining(signed.ExpiresAt),
	})
}

func (s *Server) handleSignedURLs(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Files) == 0 {
		s.respondError(w, http.StatusBadRequest, "files must not be empty")
		return
	}
	if len(req.Files) > maxBatchSize {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per request", maxBatchSize))
		return
	}

	// Every tenant is checked before any storage access.
	inputs := make([]signedurl.GrantInput, len(req.Files))
	for i, f := range req.Files {
		in, status, msg := grantInput(id, f, req.Action, req.ExpiresInMinutes)
		if status != 0 {
			s.respondError(w, status, msg)
			return
		}
		inputs[i] = in
	}
	for i, in := range inputs {
		valid, err := s.signer.Validate(in)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs[i] = valid
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(8)
	for _, in := range inputs {
		loc := in.Location()
		g.Go(func() error {
			if _, err := s.store.Stat(ctx, loc); err != nil {
				return fmt.Errorf("%s: %w", loc.Filename, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("batch existence check", "err", err)
		s.respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	out := make([]batchItem, 0, len(inputs))
	for _, in := range inputs {
		signed, err := s.signer.GenerateSignedURL(in)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		out = append(out, batchItem{
			Filename:  in.Filename,
			URL:       signed.URL,
			ExpiresAt: signed.ExpiresAt.UnixMilli(),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSecureFile(w http.ResponseWriter, r *http.Request) {
	res := s.signer.VerifySignedURL(r.PathValue("token"))
	switch {
	case res.Expired:
		s.respondError(w, http.StatusGone, msgExpired)
		return
	case !res.Valid:
		s.respondError(w, http.StatusForbidden, msgDenied)
		return
	}
	// A signed URL is a bearer capability, but a logged-in caller from
	// another tenant is still refused.
	if id, ok := auth.FromContext(r.Context()); ok && id.TenantID != res.TenantID {
		s.log.Warn("cross-tenant signed url use", "caller_tenant", id.TenantID, "token_tenant", res.TenantID)
		s.respondError(w, http.StatusForbidden, msgDenied)
		return
	}
	loc := model.Location{TenantID: res.TenantID, Scope: res.Scope, OwnerID: res.OwnerID, Filename: res.Filename}
	maxAge := min(s.signer.TimeRemaining(res.ExpiresAt), maxCacheAge)
	s.serveFile(w, r, loc, res.Action, "private, max-age="+strconv.FormatInt(maxAge, 10))
}

func (s *Server) handleLegacyFile(w http.ResponseWriter, r *http.Request) {
	loc := model.Location{
		TenantID: r.PathValue("tenantId"),
		Scope:    r.PathValue("scope"),
		OwnerID:  r.PathValue("ownerId"),
		Filename: r.PathValue("filename"),
	}
	if s.cfg.LegacyMode == config.LegacyOff {
		s.respondError(w, http.StatusGone, "legacy file links are retired, request a new link")
		return
	}
	if err := loc.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid file location")
		return
	}

	id, ok := s.legacyIdentity(r)
	switch {
	case ok && id.TenantID != loc.TenantID:
		s.respondError(w, http.StatusForbidden, msgDenied)
		return
	case !ok && s.cfg.LegacyMode == config.LegacyFallback:
		s.log.Warn("legacy file served without a valid token", "file", loc.String())
	case !ok:
		w.Header().Set("WWW-Authenticate", "Bearer")
		s.respondError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	w.Header().Set("Deprecation", "true")
	s.serveFile(w, r, loc, signing.ActionView, "private, no-store")
}

// legacyIdentity reads the caller from the token query parameter, falling
// back to the Authorization header.
func (s *Server) legacyIdentity(r *http.Request) (auth.Identity, bool) {
	if tok := r.URL.Query().Get(legacy.TokenParam); tok != "" {
		claims, err := s.auth.ParseToken(tok)
		if err != nil {
			return auth.Identity{}, false
		}
		return claims.Identity(), true
	}
	return auth.FromContext(r.Context())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	loc := model.Location{
		TenantID: id.TenantID,
		Scope:    r.PathValue("scope"),
		OwnerID:  r.PathValue("ownerId"),
		Filename: r.PathValue("filename"),
	}
	if err := loc.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid file location")
		return
	}
	if err := s.store.Delete(r.Context(), loc); err != nil {
		s.storeError(w, err, loc)
		return
	}
	if err := s.tracker.Untrack(r.Context(), loc); err != nil {
		s.log.Error("untrack deleted file", "file", loc.String(), "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, loc model.Location, action signing.Action, cacheControl string) {
	obj, err := s.store.Open(r.Context(), loc)
	if err != nil {
		s.storeError(w, err, loc)
		return
	}
	defer obj.Close()

	disposition := "inline"
	if action == signing.ActionDownload {
		disposition = "attachment"
	}
	h := w.Header()
	h.Set("Content-Type", contentTypeFor(loc.Filename))
	h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": loc.Filename}))
	h.Set("Cache-Control", cacheControl)
	h.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, loc.Filename, obj.Info().ModTime, obj)
}

func (s *Server) storeError(w http.ResponseWriter, err error, loc model.Location) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, msgNotFound)
		return
	}
	s.log.Error("storage", "file", loc.String(), "err", err)
	s.respondError(w, http.StatusInternalServerError, "storage unavailable")
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
