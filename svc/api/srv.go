package api

import (
	"context"
	"net/http"
	"time"

	"clipsync/cfg"
	"clipsync/svc/auth"
	"clipsync/svc/db"
	"clipsync/svc/lim"
	"clipsync/svc/svc"
	"clipsync/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	clip       *svc.Clipboard
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, clip *svc.Clipboard, verifier Verifier, sessions *auth.Sessions, l *lim.Limiter, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, sessions, c)
	s := &Server{
		router: r,
		clip:   clip,
		lim:    l,
		cfg:    c,
		rdb:    rdb,
	}
	// CORS sits in front of routing so preflights never reach Authenticate.
	r.Use(mw.Recoverer)
	r.Use(mw.RequestID)
	r.Use(mw.CORS)

	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.EnableProfiler {
		r.With(mw.BasicAuthMetrics).Mount("/debug", middleware.Profiler())
	}

	hdl := &Hdl{clip: clip, verifier: verifier, sessions: sessions, cfg: c}
	r.Route("/api", func(r chi.Router) {
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", util.RedactURL(req.URL.String())).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.SecurityHeaders)
		r.Use(mw.AnomalyDetection)
		r.Use(mw.Metrics)

		r.Get("/health", s.APIHealth)
		r.Group(func(r chi.Router) {
			r.Use(mw.ContextTimeout)
			r.Use(mw.JSONContentType)
			r.With(mw.RateLimit("auth")).Post("/auth/google", hdl.GoogleAuth)
			r.Group(func(r chi.Router) {
				r.Use(mw.Authenticate)
				r.With(mw.RateLimit("read")).Get("/profile/me", hdl.Profile)
				r.With(mw.RateLimit("read")).Get("/clipboard", hdl.List)
				r.With(mw.RateLimit("write")).Post("/clipboard/text", hdl.CreateText)
				r.With(mw.RateLimit("write")).Delete("/clipboard/{itemId}", hdl.Delete)
			})
		})
		r.Group(func(r chi.Router) {
			r.Use(mw.UploadTimeout)
			r.With(mw.Authenticate, mw.RateLimit("upload")).Post("/clipboard/files", hdl.CreateFile)
			r.With(mw.RateLimit("content")).Get("/clipboard/{itemId}/content", hdl.Content)
		})
	})

	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       c.UploadTimeout,
		WriteTimeout:      c.UploadTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
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
