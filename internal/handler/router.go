// Package handler assembles the HTTP router.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/controller"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Campaigns *controller.CampaignController
	Instances *controller.InstanceController
	Webhooks  *controller.WebhookController
	DB        Pinger
	Origins   []string
	Log       *logrus.Entry
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	origins := d.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthz(d.DB))

	r.Route("/campaigns", func(r chi.Router) {
		c := d.Campaigns
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaign)
			r.Put("/", c.UpdateCampaign)
			r.Delete("/", c.DeleteCampaign)
			r.Post("/start", c.Start)
			r.Post("/pause", c.Pause)
			r.Post("/resume", c.Resume)
			r.Post("/cancel", c.Cancel)
			r.Post("/leads", c.UploadLeads)
			r.Post("/leads/import", c.ImportLeads)
			r.Get("/stats", c.GetStats)
			r.Post("/preview", c.Preview)
		})
	})

	r.Get("/instances/health", d.Instances.ListHealth)
	r.Get("/instances/{name}/health", d.Instances.GetHealth)
	r.Post("/webhooks/message-status", d.Webhooks.MessageStatus)

	return r
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	if log == nil {
		log = logrus.WithField("component", "http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}
