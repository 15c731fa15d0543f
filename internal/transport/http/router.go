package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	httpmw "github.com/cwrk-planet/support-chat/internal/transport/http/middleware"
)

type Deps struct {
	Handler  *Handler
	Verifier httpmw.TokenVerifier // nil trusts identity headers
	WS       http.HandlerFunc
	Poll     http.HandlerFunc
	// AllowedOrigins for CORS.
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.WithRequestLogger)
	r.Use(httpmw.RequestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", httpmw.HeaderUserID, httpmw.HeaderIsAdmin},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// realtime endpoints authenticate from the handshake query and must not time out
	if d.WS != nil {
		r.Get("/chat", d.WS)
	}
	if d.Poll != nil {
		r.Get("/chat/poll", d.Poll)
		r.Post("/chat/poll", d.Poll)
		r.Delete("/chat/poll", d.Poll)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.Auth(d.Verifier))
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		h := d.Handler
		pr.Route("/api/conversations", func(rc chi.Router) {
			rc.Post("/", h.CreateConversation)
			rc.Get("/", h.ListConversations)

			rc.Route("/{id}", func(rr chi.Router) {
				rr.Get("/", h.GetConversation)
				rr.Patch("/", h.UpdateConversation)
				rr.Get("/messages", h.ListMessages)
				rr.Post("/read", h.MarkRead)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
