package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	auditsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/audit"
	grievancesvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/orchestrator"
)

// TokenIssuer signs access tokens for newly registered principals.
type TokenIssuer interface {
	Issue(id principal.Identity) (string, time.Time, error)
}

// Handler exposes the orchestrator over HTTP. Every handler is a thin
// translation: authorization, auditing and state rules live behind the
// orchestrator.
type Handler struct {
	*BaseHandler
	orch   *orchestrator.Orchestrator
	tokens TokenIssuer
}

func NewHandler(base *BaseHandler, orch *orchestrator.Orchestrator, tokens TokenIssuer) *Handler {
	return &Handler{BaseHandler: base, orch: orch, tokens: tokens}
}

type registerResponse struct {
	Principal   *principal.Principal `json:"principal"`
	AccessToken string               `json:"access_token"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

type updateProfileRequest struct {
	Name string `json:"name" validate:"required,notblank,max=200"`
}

type accessRequest struct {
	Purpose  string `json:"purpose" validate:"required"`
	Resource string `json:"resource" validate:"required,notblank,max=200"`
}

type consentStatusResponse struct {
	PrincipalID uuid.UUID      `json:"principal_id"`
	Purpose     string         `json:"purpose"`
	Status      consent.Status `json:"status"`
}

type escalateRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=2000"`
}

type statusRequest struct {
	Status     string `json:"status" validate:"required,oneof=in_progress resolved escalated"`
	Resolution string `json:"resolution" validate:"max=5000"`
}

type scoreRequest struct {
	PrincipalID uuid.UUID `json:"principal_id" validate:"required"`
	Action      string    `json:"action" validate:"required,max=100"`
	IPAddress   string    `json:"ip_address" validate:"omitempty,ip"`
}

// Principals

func (h *Handler) register(r *http.Request) (int, interface{}, error) {
	var req orchestrator.RegisterRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	p, err := h.orch.RegisterPrincipal(r.Context(), req)
	if err != nil {
		return 0, nil, err
	}
	token, expires, err := h.tokens.Issue(principal.Identity{PrincipalID: p.ID, Role: p.Role})
	if err != nil {
		return 0, nil, errors.NewInternalError("failed to issue access token").WithCause(err)
	}
	return http.StatusCreated, registerResponse{Principal: p, AccessToken: token, ExpiresAt: expires}, nil
}

func (h *Handler) getProfile(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	profile, err := h.orch.GetProfile(r.Context(), id)
	return http.StatusOK, profile, err
}

func (h *Handler) updateProfile(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	var req updateProfileRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	p, err := h.orch.UpdateProfile(r.Context(), id, req.Name)
	return http.StatusOK, p, err
}

func (h *Handler) exportData(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	out, err := h.orch.ExportPrincipalData(r.Context(), id)
	return http.StatusOK, out, err
}

func (h *Handler) accessData(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	var req accessRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	ev, err := h.orch.AccessData(r.Context(), orchestrator.AccessRequest{
		PrincipalID: id,
		Purpose:     req.Purpose,
		Resource:    req.Resource,
	})
	return http.StatusOK, ev, err
}

// Consent

func (h *Handler) grantConsent(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	rec, err := h.orch.GrantConsent(r.Context(), id, chi.URLParam(r, "purpose"))
	return http.StatusCreated, rec, err
}

func (h *Handler) withdrawConsent(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	rec, err := h.orch.WithdrawConsent(r.Context(), id, chi.URLParam(r, "purpose"))
	return http.StatusOK, rec, err
}

func (h *Handler) consentStatus(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	purpose := chi.URLParam(r, "purpose")
	status, err := h.orch.ConsentStatus(r.Context(), id, purpose)
	return http.StatusOK, consentStatusResponse{PrincipalID: id, Purpose: purpose, Status: status}, err
}

func (h *Handler) consentHistory(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	records, err := h.orch.ConsentHistory(r.Context(), id, r.URL.Query().Get("purpose"))
	if records == nil {
		records = []*consent.Record{}
	}
	return http.StatusOK, records, err
}

// Grievances

func (h *Handler) submitGrievance(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	var req grievancesvc.SubmitRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	g, err := h.orch.SubmitGrievance(r.Context(), id, req)
	return http.StatusCreated, g, err
}

func (h *Handler) getGrievance(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "grievanceID")
	if err != nil {
		return 0, nil, err
	}
	g, err := h.orch.GetGrievance(r.Context(), id)
	return http.StatusOK, g, err
}

func (h *Handler) escalateGrievance(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "grievanceID")
	if err != nil {
		return 0, nil, err
	}
	var req escalateRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	g, err := h.orch.EscalateGrievance(r.Context(), id, req.Reason)
	return http.StatusOK, g, err
}

func (h *Handler) updateGrievanceStatus(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "grievanceID")
	if err != nil {
		return 0, nil, err
	}
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	g, err := h.orch.UpdateGrievanceStatus(r.Context(), id, req.Status, req.Resolution)
	return http.StatusOK, g, err
}

func (h *Handler) listGrievances(r *http.Request) (int, interface{}, error) {
	var (
		f   grievance.Filter
		err error
	)
	if f.PrincipalID, err = queryID(r, "principal_id"); err != nil {
		return 0, nil, err
	}
	if s := r.URL.Query().Get("status"); s != "" {
		if f.Status, err = grievance.ParseStatus(s); err != nil {
			return 0, nil, err
		}
	}
	if f.Limit, err = queryInt(r, "limit", 50, 500); err != nil {
		return 0, nil, err
	}
	if f.Offset, err = queryInt(r, "offset", 0, 1<<20); err != nil {
		return 0, nil, err
	}
	out, err := h.orch.ListGrievances(r.Context(), f)
	if out == nil {
		out = []*grievance.Grievance{}
	}
	return http.StatusOK, out, err
}

// Erasure

func (h *Handler) requestDeletion(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	p, err := h.orch.RequestDeletion(r.Context(), id)
	return http.StatusAccepted, p, err
}

func (h *Handler) cancelDeletion(r *http.Request) (int, interface{}, error) {
	id, err := pathID(r, "principalID")
	if err != nil {
		return 0, nil, err
	}
	p, err := h.orch.CancelDeletion(r.Context(), id)
	return http.StatusOK, p, err
}

// Audit

func (h *Handler) listAudit(r *http.Request) (int, interface{}, error) {
	var (
		f   audit.Filter
		err error
		q   = r.URL.Query()
	)
	if f.PrincipalID, err = queryID(r, "principal_id"); err != nil {
		return 0, nil, err
	}
	if c := q.Get("category"); c != "" {
		if f.Category, err = audit.ParseCategory(c); err != nil {
			return 0, nil, err
		}
	}
	if s := q.Get("min_severity"); s != "" {
		if f.MinSeverity, err = audit.ParseSeverity(s); err != nil {
			return 0, nil, err
		}
	}
	f.AnomalyOnly = q.Get("anomaly_only") == "true"
	if f.Since, err = queryTime(r, "since"); err != nil {
		return 0, nil, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return 0, nil, err
	}
	if f.Limit, err = queryInt(r, "limit", 100, 1000); err != nil {
		return 0, nil, err
	}
	events, err := h.orch.ListAudit(r.Context(), f)
	if events == nil {
		events = []*audit.Event{}
	}
	return http.StatusOK, events, err
}

func (h *Handler) recordAudit(r *http.Request) (int, interface{}, error) {
	var req orchestrator.RecordRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	ev, err := h.orch.RecordAudit(r.Context(), req)
	return http.StatusCreated, ev, err
}

func (h *Handler) scoreAccess(r *http.Request) (int, interface{}, error) {
	var req scoreRequest
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	a, err := h.orch.ScoreAccess(r.Context(), req.PrincipalID, req.Action, req.IPAddress)
	return http.StatusOK, a, err
}

func (h *Handler) declareBreach(r *http.Request) (int, interface{}, error) {
	var req auditsvc.BreachReport
	if err := h.decode(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := h.orch.DeclareBreach(r.Context(), req)
	return http.StatusCreated, res, err
}

// Operations

func (h *Handler) runSweep(r *http.Request) (int, interface{}, error) {
	summary, err := h.orch.RunSweep(r.Context(), chi.URLParam(r, "task"))
	return http.StatusOK, summary, err
}
