package rest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/orchestrator"
)

const APIVersion = "v1"

// Deps is everything the router needs.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Auth         Authenticator
	Tokens       TokenIssuer
	// Findings streams governance findings; optional.
	Findings http.Handler
	Health   *HealthService
	Server   config.ServerConfig
	// ValidateContract rejects requests that do not match openapi.yaml.
	ValidateContract bool
	Clock            clock.Clock
	Logger           *zap.Logger
}

// NewRouter builds the chi router for the public API.
func NewRouter(d Deps) (http.Handler, error) {
	if d.Orchestrator == nil || d.Auth == nil || d.Tokens == nil {
		return nil, fmt.Errorf("orchestrator, authenticator and token issuer are required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Health == nil {
		d.Health = NewHealthService(APIVersion, d.Clock)
	}

	trusted, err := d.Server.TrustedNetworks()
	if err != nil {
		return nil, err
	}

	base := NewBaseHandler(APIVersion, d.Clock, d.Logger)
	h := NewHandler(base, d.Orchestrator, d.Tokens)

	var cv *ContractValidator
	if d.ValidateContract {
		if cv, err = NewContractValidator(); err != nil {
			return nil, err
		}
	}
	withContract := func(r chi.Router) {
		if cv != nil {
			r.Use(base.contract(cv))
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(realIP(trusted))
	r.Use(instrument)
	r.Use(requestLogger(d.Logger))
	r.Use(base.recoverer)
	r.Use(securityHeaders)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		base.writeError(w, req, errors.NewNotFoundError("route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		err := errors.NewValidationError("METHOD_NOT_ALLOWED", "method not allowed")
		err.StatusCode = http.StatusMethodNotAllowed
		base.writeError(w, req, err)
	})

	r.Get("/healthz", d.Health.LivenessHandler)
	r.Get("/readyz", d.Health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", serveOpenAPI)

	limiter := newIPLimiter(d.Server.RateLimit.RequestsPerSecond, d.Server.RateLimit.BurstSize)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(base.rateLimit(limiter))
		v1.Use(requestMeta)

		if d.Findings != nil {
			// The hub authenticates the upgrade itself; browsers cannot set
			// headers on a websocket handshake.
			v1.Handle("/findings/stream", d.Findings)
		}

		v1.Group(func(r chi.Router) {
			r.Use(base.optionalAuth(d.Auth))
			withContract(r)
			r.Post("/principals", h.Wrap("register", h.register))
		})

		v1.Group(func(r chi.Router) {
			r.Use(base.authenticate(d.Auth))
			withContract(r)

			r.Route("/principals/{principalID}", func(r chi.Router) {
				r.Get("/", h.Wrap("get_profile", h.getProfile))
				r.Patch("/", h.Wrap("update_profile", h.updateProfile))
				r.With(base.endpointLimit(d.Server.RateLimit.ExportPerHour, time.Hour)).
					Get("/export", h.Wrap("export_data", h.exportData))
				r.Post("/access", h.Wrap("access_data", h.accessData))

				r.Get("/consents", h.Wrap("consent_history", h.consentHistory))
				r.Get("/consents/{purpose}", h.Wrap("consent_status", h.consentStatus))
				r.Post("/consents/{purpose}", h.Wrap("grant_consent", h.grantConsent))
				r.Delete("/consents/{purpose}", h.Wrap("withdraw_consent", h.withdrawConsent))

				r.Post("/grievances", h.Wrap("submit_grievance", h.submitGrievance))

				r.Post("/deletion", h.Wrap("request_deletion", h.requestDeletion))
				r.Delete("/deletion", h.Wrap("cancel_deletion", h.cancelDeletion))
			})

			r.Get("/grievances", h.Wrap("list_grievances", h.listGrievances))
			r.Route("/grievances/{grievanceID}", func(r chi.Router) {
				r.Get("/", h.Wrap("get_grievance", h.getGrievance))
				r.Post("/escalate", h.Wrap("escalate_grievance", h.escalateGrievance))
				r.Patch("/status", h.Wrap("update_grievance_status", h.updateGrievanceStatus))
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/events", h.Wrap("list_audit", h.listAudit))
				r.Post("/events", h.Wrap("record_audit", h.recordAudit))
				r.Post("/score", h.Wrap("score_access", h.scoreAccess))
				r.With(base.endpointLimit(10, time.Minute)).
					Post("/breaches", h.Wrap("declare_breach", h.declareBreach))
			})

			r.Post("/sweeps/{task}", h.Wrap("run_sweep", h.runSweep))
		})
	})

	return r, nil
}
