package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"clipsync/cfg"
	"clipsync/metrics"
	"clipsync/pkg/domain"
	"clipsync/svc/auth"
	"clipsync/svc/svc"
	"clipsync/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	// room for JSON escaping on top of the raw text limit
	jsonOverhead = 4 * 1024
	// multipart boundaries, headers and the title field
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
)

// Verifier checks an identity provider credential.
type Verifier interface {
	Verify(ctx context.Context, idToken string) (*domain.Identity, error)
}

type Hdl struct {
	clip     *svc.Clipboard
	verifier Verifier
	sessions *auth.Sessions
	cfg      *cfg.Cfg
}

type GoogleAuthReq struct {
	IDToken string `json:"idToken"`
}
type AuthResp struct {
	AccessToken      string `json:"accessToken"`
	TokenType        string `json:"tokenType"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}
type CreateTextReq struct {
	Title           string `json:"title,omitempty"`
	MarkdownContent string `json:"markdownContent"`
}
type CreateResp struct {
	ID string `json:"id"`
}
type ListResp struct {
	Items []*domain.Item `json:"items"`
}

func (h *Hdl) GoogleAuth(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	var req GoogleAuthReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid auth request")
		metrics.AuthExchanges.WithLabelValues(metrics.ResultRejected).Inc()
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	id, err := h.verifier.Verify(r.Context(), req.IDToken)
	if err != nil {
		if domain.Status(err) == http.StatusUnauthorized {
			log.Warn().Err(err).Msg("google credential rejected")
			metrics.AuthExchanges.WithLabelValues(metrics.ResultRejected).Inc()
			writeErr(w, domain.ErrUnauthorized, requestID)
			return
		}
		metrics.AuthExchanges.WithLabelValues(metrics.ResultError).Inc()
		writeErr(w, err, requestID)
		return
	}
	token, expiresIn, err := h.sessions.Issue(id)
	if err != nil {
		metrics.AuthExchanges.WithLabelValues(metrics.ResultError).Inc()
		writeErr(w, errors.Wrap(err, "issue session"), requestID)
		return
	}
	metrics.AuthExchanges.WithLabelValues(metrics.ResultIssued).Inc()
	log.Info().
		Str("user", util.RedactEmail(id.Email)).
		Int64("expires_in", expiresIn).
		Msg("session issued")
	writeJSON(w, http.StatusOK, AuthResp{
		AccessToken:      token,
		TokenType:        auth.TokenType,
		ExpiresInSeconds: expiresIn,
	})
}

func (h *Hdl) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeErr(w, domain.ErrUnauthorized, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hdl) List(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	items, err := h.clip.List(r.Context(), p.UserID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list failed")
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, ListResp{Items: items})
}

func (h *Hdl) CreateText(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		writeErr(w, domain.ErrUnsupportedMedia, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	limit := h.cfg.MaxTextSize*2 + jsonOverhead
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateTextReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, domain.ErrContentTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("invalid request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	it, err := h.clip.CreateText(r.Context(), p.UserID, domain.TextParams{
		Title:           req.Title,
		MarkdownContent: req.MarkdownContent,
	})
	if err != nil {
		log.Warn().Err(err).Msg("create text failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("item_id", it.ID).Int("size", len(it.MarkdownContent)).Msg("text item created")
	writeJSON(w, http.StatusCreated, CreateResp{ID: it.ID})
}

func (h *Hdl) CreateFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	limit := h.cfg.MaxUploadSize + multipartOverhead
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("upload exceeds maximum")
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, domain.ErrContentTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("invalid multipart body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeErr(w, domain.ErrFileRequired, requestID)
			return
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	defer file.Close()
	p, _ := PrincipalFrom(r.Context())
	it, err := h.clip.CreateFile(r.Context(), p.UserID, domain.FileParams{
		Title:       r.FormValue("title"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Content:     file,
	})
	if err != nil {
		log.Warn().Err(err).Msg("create file failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("item_id", it.ID).
		Str("content_type", it.ContentType).
		Int64("size", it.FileSizeBytes).
		Msg("file item created")
	writeJSON(w, http.StatusCreated, CreateResp{ID: it.ID})
}

func (h *Hdl) Delete(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "itemId")
	p, _ := PrincipalFrom(r.Context())
	if err := h.clip.Delete(r.Context(), p.UserID, id); err != nil {
		log.Warn().Err(err).Str("item_id", id).Msg("delete failed")
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	log.Info().Str("item_id", id).Msg("item deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Content streams an item's bytes. A valid sig grants access on its own;
// otherwise the caller needs a bearer session.
func (h *Hdl) Content(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "itemId")
	var (
		it  *domain.Item
		rc  io.ReadCloser
		err error
	)
	if sig := r.URL.Query().Get("sig"); sig != "" {
		it, rc, err = h.clip.OpenLink(r.Context(), id, sig)
	} else {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clipsync"`)
			writeErr(w, domain.ErrUnauthorized, requestID)
			return
		}
		var p *domain.Principal
		if p, err = h.sessions.Parse(token); err == nil {
			it, rc, err = h.clip.Open(r.Context(), p.UserID, id)
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("item_id", id).Msg("content open failed")
		writeErr(w, err, requestID)
		return
	}
	defer rc.Close()
	disposition := "inline"
	if it.IsFile() && it.FileName != "" {
		disposition = mime.FormatMediaType("inline", map[string]string{"filename": it.FileName})
	}
	w.Header().Set("Content-Type", it.ContentType)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Cache-Control", "private, max-age=60")
	if it.IsFile() && it.FileSizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(it.FileSizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("item_id", it.ID).Int64("written", n).Msg("content stream interrupted")
	}
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	errorMsg := resp.Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		// SDK errors can echo presigned URLs
		util.Error().
			Str("error", util.RedactLogLine(err.Error())).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"code":       resp.Error.Code,
		"request_id": requestID,
	})
}
