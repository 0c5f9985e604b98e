package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"pokebin/pkg/domain"
	"pokebin/svc/util"
)

//go:embed templates/paste.html
var templateFS embed.FS

var pasteTmpl = template.Must(template.ParseFS(templateFS, "templates/paste.html"))

// Raw HTML in notes is dropped; goldmark only emits it with html.WithUnsafe.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

type pageData struct {
	ID     string
	Title  string
	Author string
	Format string
	Rental string
	Notes  template.HTML
	Sets   []domain.Content
}

func renderNotes(src string) (template.HTML, error) {
	if src == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", errors.Wrap(err, "render notes")
	}
	return template.HTML(buf.String()), nil
}

// PastePage renders the paste as HTML. Ids that do not name a paste fall
// through to a static file of that name, then to a redirect home.
func (h *Hdl) PastePage(st *static) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		id := chi.URLParam(r, "id")
		d, _, err := h.paste.Detailed(r.Context(), id)
		if err != nil {
			if !errors.Is(err, domain.ErrPasteNotFound) {
				log.Warn().Err(err).Str("paste_id", id).Msg("paste page failed")
			}
			if st.serveWebFile(w, r, id) {
				return
			}
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		notes, err := renderNotes(d.Notes)
		if err != nil {
			log.Warn().Err(err).Str("paste_id", id).Msg("notes rendering failed")
			notes = template.HTML(template.HTMLEscapeString(d.Notes))
		}
		var buf bytes.Buffer
		err = pasteTmpl.Execute(&buf, pageData{
			ID:     id,
			Title:  d.Title,
			Author: d.Author,
			Format: d.Format,
			Rental: d.Rental,
			Notes:  notes,
			Sets:   d.Sets,
		})
		if err != nil {
			log.Error().Err(err).Str("paste_id", id).Msg("template execution failed")
			w.Header().Set("Content-Type", "application/json")
			writeErr(w, domain.ErrInternalServer, util.GetRequestID(r.Context()))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}
}
