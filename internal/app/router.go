package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tabesh/internal/ai/ai_api"
	analytics_api "tabesh/internal/analytics/api"
	"tabesh/internal/auth"
	"tabesh/internal/cleanup/cleanup_api"
	"tabesh/internal/config"
	"tabesh/internal/dataio/dataio_api"
	"tabesh/internal/download/download_api"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/order/order_api"
	"tabesh/internal/settings/settings_api"
	"tabesh/internal/sse"
	"tabesh/internal/upload/upload_api"
	"tabesh/internal/utils"
)

// NewVerifier picks OIDC when an issuer is configured and the shared HS256
// secret otherwise.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.OIDCIssuer != "" {
		return auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
	}
	return auth.NewHMACVerifier(cfg.JWTSecret), nil
}

// uploadBodyLimit is the body cap used when the upload_rules setting cannot
// be read: the largest configured category limit plus room for the
// multipart envelope.
func uploadBodyLimit(c config.UploadConfig) int64 {
	maxMB := c.TextMaxMB
	for _, mb := range []int64{c.CoverMaxMB, c.DocumentsMaxMB} {
		if mb > maxMB {
			maxMB = mb
		}
	}
	return (maxMB + 1) << 20
}

// Router builds the HTTP API under /api/v1.
func (a *App) Router(verifier auth.Verifier, emitter *sse.Emitter) http.Handler {
	log := a.Logger
	cfg := a.Config

	orderHandler := order_api.NewHandler(a.Orders, log)
	uploadHandler := upload_api.NewHandler(a.Uploads, uploadBodyLimit(cfg.Upload), log)
	downloadHandler := download_api.NewHandler(a.Downloads, log)
	aiHandler := ai_api.NewHandler(a.AI, strings.HasPrefix(cfg.Server.PublicURL, "https://"), log)
	dataHandler := dataio_api.NewHandler(a.DataIO, cfg.Export.MaxImportMB<<20, log)
	cleanupHandler := cleanup_api.NewHandler(a.Cleanup, log)
	settingsHandler := settings_api.NewHandler(a.Settings, log)
	analyticsHandler := analytics_api.NewHandler(a.Analytics, log)
	eventsHandler := sse.NewHandler(emitter, log)

	staff := auth.RequireRole(models.RoleStaff, models.RoleAdmin)
	admin := auth.RequireRole(models.RoleAdmin)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ai_api.GuestHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			utils.WriteError(w, "Database unavailable", utils.ErrUnavailable)
			return
		}
		utils.WriteSuccess(w, http.StatusOK, "ok", map[string]string{"status": "up"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// --- Public and guest routes ---
		r.Get("/download/{fileId}", downloadHandler.Download)

		r.Group(func(r chi.Router) {
			r.Use(auth.OptionalMiddleware(verifier, log))
			r.Post("/orders/quote", orderHandler.Quote)
			r.Post("/ai/browser/track", aiHandler.Track)
			r.Post("/ai/query", aiHandler.Query)
			r.Get("/ai/profile", aiHandler.Profile)
		})
		log.Info("ROUTER", "Public routes registered under /api/v1")

		// --- Signed-in routes ---
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier, log))

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", orderHandler.CreateOrder)
				r.Get("/", orderHandler.ListOrders)
				r.Route("/{orderId}", func(r chi.Router) {
					r.Get("/", orderHandler.GetOrder)
					r.Post("/cancel", orderHandler.CancelOrder)
					r.Get("/history", orderHandler.History)
					r.Get("/files", uploadHandler.ListFiles)

					r.With(staff).Put("/", orderHandler.UpdateOrder)
					r.With(staff).Patch("/status", orderHandler.UpdateStatus)
					r.With(staff).Post("/hidden", orderHandler.HideOrder)
					r.With(staff).Delete("/hidden", orderHandler.UnhideOrder)
					r.With(staff).Get("/jobsheet", orderHandler.JobSheet)
					r.With(admin).Delete("/", orderHandler.DeleteOrder)
				})
			})
			log.Info("ROUTER", "Order routes registered under /api/v1/orders")

			r.Post("/upload-file", uploadHandler.Upload)
			r.Route("/files/{fileId}", func(r chi.Router) {
				r.Delete("/", uploadHandler.DeleteFile)
				r.Post("/token", downloadHandler.IssueToken)
				r.With(staff).Post("/approve", uploadHandler.Approve)
				r.With(staff).Post("/reject", uploadHandler.Reject)
			})
			log.Info("ROUTER", "File routes registered under /api/v1/files")

			r.Post("/ai/merge-guest", aiHandler.MergeGuest)

			r.Route("/admin", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(staff)
					analyticsHandler.RegisterRoutes(r)
					r.Get("/events", eventsHandler.Stream)
				})
				r.Group(func(r chi.Router) {
					r.Use(admin)
					r.Get("/export", dataHandler.Export)
					r.Post("/import", dataHandler.Import)
					r.Get("/cleanup", cleanupHandler.Actions)
					r.Post("/cleanup/{action}", cleanupHandler.Run)
					r.Get("/settings", settingsHandler.List)
					r.Get("/settings/{name}", settingsHandler.Get)
					r.Put("/settings/{name}", settingsHandler.Put)
					r.Delete("/settings/{name}", settingsHandler.Delete)
				})
			})
			log.Info("ROUTER", "Admin routes registered under /api/v1/admin")
		})
	})

	return r
}
