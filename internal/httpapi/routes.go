package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/touchtype-pro/server/internal/auth"
	"github.com/touchtype-pro/server/internal/config"
	"github.com/touchtype-pro/server/internal/hub"
	"github.com/touchtype-pro/server/internal/store"
	"github.com/touchtype-pro/server/internal/ws"
)

// SetupRoutes builds the router with the hub injected. The REST surface under
// /api mounts only when a store is configured; the race coordinator itself
// needs no database.
func SetupRoutes(h *hub.Hub, st *store.Store, cfg config.Config, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", Health)
	r.Get("/ws", ws.Handler(h, cfg.AllowedOrigins, log))
	r.Post("/rooms", CreateRoom(h))

	if st != nil {
		a := &api{store: st, jwtSecret: cfg.JWTSecret}
		r.Route("/api", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(httprate.LimitByIP(10, time.Minute))
					r.Post("/register", a.register)
					r.Post("/login", a.login)
				})
				r.With(auth.Middleware(cfg.JWTSecret)).Get("/me", a.me)
			})
			r.Route("/learn", func(r chi.Router) {
				r.Use(auth.Middleware(cfg.JWTSecret))
				r.Post("/progress", a.saveProgress)
				r.Get("/progress", a.listProgress)
				r.Get("/progress/{lessonID}", a.getProgress)
				r.Delete("/progress/{lessonID}", a.deleteProgress)
			})
		})
	}

	return r
}
