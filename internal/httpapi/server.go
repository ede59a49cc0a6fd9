// Package httpapi implements the HTTP API Gateway (spec §4.1): the
// tenant-scoped REST surface every operator and PEP talks to. Routing
// follows the teacher's own internal/api/server.go (chi.Router,
// writeJSON helper, a thin Server struct holding its dependencies);
// the tenant-filter and auth middleware are new, since the source had
// no multi-tenant surface to scope.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.temporal.io/sdk/client"
	"golang.org/x/time/rate"

	"github.com/controlcoreio/control-core/internal/audit"
	"github.com/controlcoreio/control-core/internal/bundle"
	"github.com/controlcoreio/control-core/internal/decision"
	"github.com/controlcoreio/control-core/internal/gitsync"
	"github.com/controlcoreio/control-core/internal/notify"
	"github.com/controlcoreio/control-core/internal/pepcoord"
	"github.com/controlcoreio/control-core/internal/pip"
	"github.com/controlcoreio/control-core/internal/policy"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/vault"
)

// Server holds every subsystem the gateway dispatches into. Handlers
// are thin: validate, call a subsystem, map the result or error onto
// an HTTP response.
type Server struct {
	store       *store.Store
	vault       *vault.Vault
	auditSink   *audit.Sink
	policies    *policy.Service
	coordinator *pepcoord.Coordinator
	builder     *bundle.Builder
	engine      *decision.Engine
	pipCache    *pip.Cache
	syncer      *gitsync.Syncer
	notifier    *notify.Dispatcher
	log         *log.Logger
	temporal    client.Client
	taskQueue   string

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	authTokens map[string]TenantIdentity
}

// TenantIdentity is what a bearer token resolves to.
type TenantIdentity struct {
	TenantID              string
	Subject               string // human/service principal, recorded as the actor on audit entries
	AllowProductionWrite  bool
	IsSystemAdministrator bool
}

type Deps struct {
	Store       *store.Store
	Vault       *vault.Vault
	AuditSink   *audit.Sink
	Policies    *policy.Service
	Coordinator *pepcoord.Coordinator
	Builder     *bundle.Builder
	Engine      *decision.Engine
	PipCache    *pip.Cache
	Syncer      *gitsync.Syncer
	Notifier    *notify.Dispatcher
	Logger      *log.Logger
	AuthTokens  map[string]TenantIdentity
	Temporal    client.Client
	TaskQueue   string
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "control-core ", log.LstdFlags|log.LUTC)
	}
	return &Server{
		store:       d.Store,
		vault:       d.Vault,
		auditSink:   d.AuditSink,
		policies:    d.Policies,
		coordinator: d.Coordinator,
		builder:     d.Builder,
		engine:      d.Engine,
		pipCache:    d.PipCache,
		syncer:      d.Syncer,
		notifier:    d.Notifier,
		log:         d.Logger,
		temporal:    d.Temporal,
		taskQueue:   d.TaskQueue,
		limiters:    make(map[string]*rate.Limiter),
		authTokens:  d.AuthTokens,
	}
}

// Router builds the full chi.Router: request ID, real IP, structured
// request logging and panic recovery apply to every route (spec §4.1).
// /healthz, the template catalogue and the GitHub webhook sit outside
// auth; every other route passes bearer auth, then per-tenant rate
// limiting, then tenant scoping (except the PEP registration,
// heartbeat and polling endpoints), then the route itself.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Template catalogue is public, unauthenticated, tenant-free (§4.2).
	r.Get("/policies/templates", s.handleListTemplates)
	r.Get("/policies/templates/{id}", s.handleGetTemplate)

	// GitHub authenticates this delivery with its own HMAC signature,
	// not an operator bearer token, so it sits outside authMiddleware
	// (PEP registration, by contrast, is inside it).
	r.Post("/settings/git-config/webhook", s.handleGitHubWebhook)

	r.Route("/", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Route("/policies", func(r chi.Router) {
			r.Use(s.tenantScopeMiddleware)
			r.Get("/", s.handleListPolicies)
			r.Post("/", s.handleCreatePolicy)
			r.Post("/templates/{id}:instantiate", s.handleInstantiateTemplate)
			r.Get("/{id}", s.handleGetPolicy)
			r.Put("/{id}", s.handleUpdatePolicy)
			r.Delete("/{id}", s.handleRetirePolicy)
			r.Post("/{id}:promote", s.handlePromotePolicy)
			r.Post("/{id}:conflict_check", s.handleConflictCheck)
		})

		r.Route("/resources", func(r chi.Router) {
			r.Use(s.tenantScopeMiddleware)
			r.Get("/", s.handleListResources)
			r.Post("/", s.handleCreateResource)
			r.Get("/{id}", s.handleGetResource)
		})

		r.Route("/peps", func(r chi.Router) {
			r.Post("/register", s.handleRegisterPep)
			r.Post("/{id}/heartbeat", s.handlePepHeartbeat)
			r.Group(func(r chi.Router) {
				r.Use(s.tenantScopeMiddleware)
				r.Get("/", s.handleListPeps)
				r.Get("/{id}", s.handleGetPep)
			})
		})

		r.Route("/pep-config", func(r chi.Router) {
			r.Get("/effective/{pep_id}", s.handlePollEffectiveConfig)
			r.Get("/effective/{pep_id}/bundle", s.handleFetchBundle)
			r.Group(func(r chi.Router) {
				r.Use(s.tenantScopeMiddleware)
				r.Put("/global", s.handlePutGlobalConfig)
				r.Get("/global", s.handleGetGlobalConfig)
				r.Put("/individual/{pep_id}", s.handlePutIndividualConfig)
				r.Get("/individual/{pep_id}", s.handleGetIndividualConfig)
			})
		})

		r.Route("/pip", func(r chi.Router) {
			r.Use(s.tenantScopeMiddleware)
			r.Get("/connections", s.handleListPipConnections)
			r.Post("/connections", s.handleCreatePipConnection)
			r.Get("/connections/{id}", s.handleGetPipConnection)
			r.Post("/webhooks/{connection_kind}", s.handlePipWebhook)
		})

		r.Route("/decisions", func(r chi.Router) {
			r.Use(s.tenantScopeMiddleware)
			r.Post("/", s.handleDecide)
			r.Post(":bulk", s.handleDecideBulk)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Use(s.tenantScopeMiddleware)
			r.Get("/logs", s.handleListAuditLogs)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Use(s.tenantScopeMiddleware)
			r.Put("/git-config", s.handlePutGitConfig)
			r.Get("/git-config", s.handleGetGitConfig)
			r.Post("/git-config:test", s.handleTestGitConfig)
			r.Post("/git-config:sync", s.handleTriggerGitSync)
			r.Get("/notifications", s.handleListNotificationRules)
			r.Post("/notifications", s.handleCreateNotificationRule)
			r.Delete("/notifications/{id}", s.handleDeleteNotificationRule)
			r.Get("/notifications/credentials", s.handleGetNotificationCredential)
			r.Put("/notifications/credentials", s.handlePutNotificationCredential)
		})
	})

	return r
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Printf("request_id=%s method=%s path=%s status=%d duration=%s",
				middleware.GetReqID(r.Context()), r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
