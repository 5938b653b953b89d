package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"plateworks/internal/middleware"
)

// Router wires the full route tree. allowedOrigins feeds the CORS layer.
func (a *App) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(a.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(allowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		a.json(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.createJob)
		r.Get("/", a.listJobs)
		r.Post("/pause-all", a.pauseAll)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", a.getJob)
			r.Delete("/", a.deleteJob)
			r.Post("/plan", a.planJob)
			r.Post("/run", a.runJob)
			r.Post("/reframe", a.reframeJob)
			r.Get("/export", a.exportJob)
			r.Get("/events", a.jobEvents)
			r.Post("/assets/mask", a.uploadMask)
			r.Get("/assets/{assetID}", a.getAsset)

			r.Route("/steps/{stepID}", func(r chi.Router) {
				r.Patch("/", a.patchStep)
				r.Post("/run", a.runStep)
				r.Post("/retry", a.retryStep)
				r.Post("/stop", a.stopStep)
				r.Post("/accept", a.acceptStep)
				r.Post("/bg-remove", a.bgRemoveStep)
				r.Post("/plate-and-retry", a.plateAndRetryStep)
				r.Post("/replace-image", a.replaceStepImage)
				r.Post("/set-active", a.setActiveOutput)
				r.Post("/variations", a.stepVariations)
				r.Get("/history", a.stepHistory)
			})
		})
	})

	return r
}
