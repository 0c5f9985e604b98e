package api

import (
	"io/fs"
	"net/http"

	"pokebin/cfg"
)

const spriteSheet = "itemicons-sheet.png"

// static serves the frontend bundle and species images out of the asset
// tree.
type static struct {
	web    fs.FS
	images fs.FS
	files  http.Handler
}

func newStatic(assets fs.FS, d cfg.DataCfg) (*static, error) {
	web, err := fs.Sub(assets, d.WebDir)
	if err != nil {
		return nil, err
	}
	images, err := fs.Sub(assets, d.ImageDir)
	if err != nil {
		return nil, err
	}
	return &static{web: web, images: images, files: http.FileServerFS(web)}, nil
}

func (s *static) Images(prefix string) http.Handler {
	return http.StripPrefix(prefix, http.FileServerFS(s.images))
}

func (s *static) About(w http.ResponseWriter, r *http.Request) {
	if !s.serveWebFile(w, r, "about.html") {
		http.NotFound(w, r)
	}
}

func (s *static) Sprites(w http.ResponseWriter, r *http.Request) {
	if !s.serveWebFile(w, r, spriteSheet) {
		http.NotFound(w, r)
	}
}

func (s *static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.files.ServeHTTP(w, r)
}

// serveWebFile serves name from the web directory if it is a regular file.
func (s *static) serveWebFile(w http.ResponseWriter, r *http.Request, name string) bool {
	if !fs.ValidPath(name) {
		return false
	}
	fi, err := fs.Stat(s.web, name)
	if err != nil || fi.IsDir() {
		return false
	}
	http.ServeFileFS(w, r, s.web, name)
	return true
}
