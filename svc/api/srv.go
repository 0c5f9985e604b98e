package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"pokebin/cfg"
	"pokebin/svc/db"
	"pokebin/svc/lim"
	"pokebin/svc/svc"
	"pokebin/svc/util"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	store      db.Store
	rdb        Pinger
	httpServer *http.Server
}

// NewServer builds the router. assets holds the web and image directories
// named in c.Data; rdb may be nil.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, store db.Store, rdb Pinger, assets fs.FS) (*Server, error) {
	st, err := newStatic(assets, c.Data)
	if err != nil {
		return nil, err
	}
	s := &Server{
		paste: p,
		lim:   l,
		cfg:   c,
		store: store,
		rdb:   rdb,
	}
	r := chi.NewRouter()
	mw := NewMw(l, c)
	// Preflight requests never match a route, so CORS runs ahead of routing.
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Observe)
		hdl := &Hdl{paste: p, cfg: c}

		r.Group(func(r chi.Router) {
			r.Use(mw.Gzip)
			r.Use(mw.JSONContentType)
			r.With(mw.RateLimit(lim.ClassCreate)).Post("/create", hdl.CreatePaste)
			r.With(mw.RateLimit(lim.ClassRead)).Get("/{id}/json", hdl.GetPaste)
			r.With(mw.RateLimit(lim.ClassRead)).Get("/detailed/{id}", hdl.GetDetailed)
			r.With(mw.RateLimit(lim.ClassRead)).Get("/get-img/{mon}/{shiny}/{female}", hdl.GetImage)
		})

		imgPrefix := "/" + c.Data.PublicImagePrefix + "/"
		r.Handle(imgPrefix+"*", st.Images(imgPrefix))
		r.Get("/about", st.About)
		r.Get("/assets/sprites", st.Sprites)
		r.With(mw.Gzip, mw.RateLimit(lim.ClassRead)).Get("/{id}", hdl.PastePage(st))
		r.NotFound(st.ServeHTTP)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
