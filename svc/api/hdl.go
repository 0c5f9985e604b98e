package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"pokebin/cfg"
	"pokebin/pkg/domain"
	"pokebin/svc/svc"
	"pokebin/svc/util"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Notes  string `json:"notes"`
	Rental string `json:"rental"`
	Paste  string `json:"paste"`
	Format string `json:"format"`
}

type CreateResp struct {
	ID string `json:"id"`
}

type ImageResp struct {
	Img string `json:"img"`
}

// bodyLimit leaves room for the metadata fields and JSON escaping around a
// maximum size paste.
func (h *Hdl) bodyLimit() int64 {
	return h.cfg.MaxPasteSize*2 + 4096
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	limit := h.bodyLimit()
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			log.Warn().Int64("limit", limit).Msg("request body exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}

	id, err := h.paste.Create(r.Context(), domain.CreateParams{
		Title:  req.Title,
		Author: req.Author,
		Notes:  req.Notes,
		Rental: req.Rental,
		Paste:  req.Paste,
		Format: req.Format,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Int("size", len(req.Paste)).
		Bool("has_rental", req.Rental != "").
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: id})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	paste, etag, err := h.paste.Get(r.Context(), id)
	if err != nil {
		h.logGetErr(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, r, etag, paste)
}

func (h *Hdl) GetDetailed(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	d, etag, err := h.paste.Detailed(r.Context(), id)
	if err != nil {
		h.logGetErr(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	hlog.FromRequest(r).Debug().Str("paste_id", id).Int("blocks", len(d.Sets)).Msg("detailed view built")
	writeJSON(w, r, etag, d)
}

func (h *Hdl) GetImage(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	shiny, err := strconv.ParseBool(chi.URLParam(r, "shiny"))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	female, err := strconv.ParseBool(chi.URLParam(r, "female"))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	json.NewEncoder(w).Encode(ImageResp{Img: h.paste.Image(chi.URLParam(r, "mon"), shiny, female)})
}

func (h *Hdl) logGetErr(r *http.Request, id string, err error) {
	log := hlog.FromRequest(r)
	if errors.Is(err, domain.ErrPasteNotFound) {
		log.Debug().Str("paste_id", id).Msg("paste not found")
		return
	}
	log.Warn().Err(err).Str("paste_id", id).Msg("get failed")
}

// writeJSON answers 304 when the client already holds etag.
func writeJSON(w http.ResponseWriter, r *http.Request, etag string, v any) {
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	json.NewEncoder(w).Encode(v)
}

// etagMatch applies the weak comparison If-None-Match calls for.
func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == want {
			return true
		}
	}
	return false
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
