/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RealIP:     Client address from proxy headers
  2. RequestID:  Unique ID per request for tracing
  3. Logger:     One structured log line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Security headers, HTTPS redirect in production
  6. CORS:       Cross-origin requests for the desk frontend

ROUTE GROUPS:
  /healthz              Liveness
  /api/transactions/*   Timeline and effective status
  /api/actions/*        Reversible actions (rate limited per operator)
  /api/bulk/*           Bulk redemption (rate limited per operator)
  /api/scenarios/*      Demo scenarios
  /backend/*            Upstream contract, when serving a local store

AUTHENTICATION:
  None here. The operator arrives in X-Actor-ID / X-Actor-Role, set by
  the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - backend.go: Upstream contract
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerMinute int
	Production         bool
	// Backend, when set, is mounted at /backend.
	Backend *BackendHandler
	Logger  *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	perMinute := opts.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders(opts.Production, logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	limiter := httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
		}),
	)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorFromHeaders)

		// Transaction routes
		r.Route("/transactions/{id}", func(r chi.Router) {
			r.Get("/timeline", h.GetTimeline)
			r.Get("/status", h.GetStatus)
		})

		// Action routes
		r.Route("/actions/{kind}", func(r chi.Router) {
			r.Get("/", h.GetAction)
			r.Group(func(r chi.Router) {
				r.Use(limiter)
				r.Post("/initiate", h.InitiateAction)
				r.Post("/approve", h.ApproveAction)
				r.Post("/cancel", h.CancelAction)
			})
		})

		// Bulk routes
		r.Route("/bulk", func(r chi.Router) {
			r.Get("/result", h.BulkResult)
			r.Group(func(r chi.Router) {
				r.Use(limiter)
				r.Post("/totals", h.BulkTotals)
				r.Post("/submit", h.BulkSubmit)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	if opts.Backend != nil {
		r.With(ActorFromHeaders).Mount("/backend", opts.Backend.Routes())
	}

	return r
}

func secureHeaders(production bool, logger *slog.Logger) func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sm.Process(w, r); err != nil {
				logger.Warn("secure headers blocked request", slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
