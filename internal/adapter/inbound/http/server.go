package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyperpolymath/indieweb2-bastion/internal/ctxkey"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/gate"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/identity"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/policy"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
	"github.com/hyperpolymath/indieweb2-bastion/internal/service"
)

// identityHeader carries the principal extracted by a trusted front proxy
// (mTLS CN/SAN or token claims). The gate never parses credentials itself.
const identityHeader = "X-Bastion-Identity"

// Server is the HTTP surface over the gate's abstract operations.
type Server struct {
	admission *service.AdmissionService
	proposals *service.ProposalService
	policies  *service.PolicyService
	log       *service.AuditLog
	tail      audit.Tailer
	resolver  identity.Resolver
	health    *service.ClockHealth
	metrics   *Metrics
	registry  *prometheus.Registry
	logger    *slog.Logger

	// rateLimitSize reports the limiter's tracked identity count for the
	// rate_limit_keys gauge. Optional.
	rateLimitSize func() int
}

// NewServer wires the HTTP adapter. resolver may be nil when only the
// identity header is accepted.
func NewServer(admission *service.AdmissionService, proposals *service.ProposalService, policies *service.PolicyService, log *service.AuditLog, tail audit.Tailer, resolver identity.Resolver, health *service.ClockHealth, logger *slog.Logger) *Server {
	registry := prometheus.NewRegistry()
	return &Server{
		admission: admission,
		proposals: proposals,
		policies:  policies,
		log:       log,
		tail:      tail,
		resolver:  resolver,
		health:    health,
		metrics:   NewMetrics(registry),
		registry:  registry,
		logger:    logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.Handle("GET /v1/policy", s.timed("policy", s.withIdentity(s.handlePolicy)))
	mux.Handle("GET /v1/privileges", s.timed("privileges", s.withIdentity(s.handleHasPrivilege)))
	mux.Handle("POST /v1/proposals", s.timed("propose", s.withIdentity(s.handlePropose)))
	mux.Handle("GET /v1/proposals", s.timed("list", s.withIdentity(s.handleList)))
	mux.Handle("GET /v1/proposals/{id}", s.timed("get", s.withIdentity(s.handleGet)))
	mux.Handle("POST /v1/proposals/{id}/approve", s.timed("approve", s.withIdentity(s.handleApprove)))
	mux.Handle("POST /v1/proposals/{id}/execute", s.timed("execute", s.withIdentity(s.handleExecute)))
	mux.Handle("GET /v1/audit", s.timed("audit", s.withIdentity(s.handleAuditTail)))
	mux.Handle("GET /v1/audit/verify", s.timed("audit_verify", s.withIdentity(s.handleAuditVerify)))

	return mux
}

// timed wraps a handler with a request duration observation.
func (s *Server) timed(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// withIdentity resolves the caller's principal from the identity header or
// a bearer API key and stores it in the request context. Requests with no
// identity still pass through; each operation decides whether it requires
// one.
func (s *Server) withIdentity(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get(identityHeader); h != "" {
			p := identity.Principal(h)
			if !p.Valid() {
				s.writeDenial(w, gate.Deny(gate.KindUnauthenticated, "malformed identity header"))
				return
			}
			next.ServeHTTP(w, r.WithContext(ctxkey.WithPrincipal(r.Context(), p)))
			return
		}

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && s.resolver != nil {
			credential := strings.TrimPrefix(auth, "Bearer ")
			p, err := s.resolver.Resolve(r.Context(), credential)
			if err != nil {
				s.writeDenial(w, gate.Deny(gate.KindUnauthenticated, "unknown credential"))
				return
			}
			next.ServeHTTP(w, r.WithContext(ctxkey.WithPrincipal(r.Context(), p)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetRateLimitSizer wires the limiter's Size method into the
// rate_limit_keys gauge.
func (s *Server) SetRateLimitSizer(size func() int) {
	s.rateLimitSize = size
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.rateLimitSize != nil {
		s.metrics.RateLimitKeys.Set(float64(s.rateLimitSize()))
	}
	skew := s.health.Sample()
	status := map[string]any{
		"status":     "ok",
		"audit_seq":  s.log.Seq(),
		"clock_skew": skew.String(),
	}
	if s.health.Skewed() {
		status["warnings"] = []string{"clock skew exceeds tolerance"}
	}
	s.writeJSON(w, http.StatusOK, status)
}

// policyResponse is the read-model of the active snapshot. Member lists
// are included; capability references and consent manifests are not.
type policyResponse struct {
	Version     string             `json:"version"`
	Development bool               `json:"development"`
	Mutations   []mutationResponse `json:"mutations"`
	Roles       []roleResponse     `json:"roles"`
	Constraints constraintsView    `json:"constraints"`
}

type mutationResponse struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Approvals     int    `json:"approvals"`
	TimelockHours int    `json:"timelock_hours"`
}

type roleResponse struct {
	Name       string   `json:"name"`
	Members    []string `json:"members"`
	Privileges []string `json:"privileges"`
}

type constraintsView struct {
	RequireMTLS     bool `json:"require_mtls"`
	LogAllMutations bool `json:"log_all_mutations"`
	MaxRateRPM      int  `json:"max_rate_rpm"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	snapshot := s.policies.Snapshot()

	resp := policyResponse{
		Version:     snapshot.Version,
		Development: snapshot.Development,
		Constraints: constraintsView{
			RequireMTLS:     snapshot.Constraints.RequireMTLS,
			LogAllMutations: snapshot.Constraints.LogAllMutations,
			MaxRateRPM:      snapshot.Constraints.MaxRateRPM,
		},
	}
	for _, m := range snapshot.Mutations {
		resp.Mutations = append(resp.Mutations, mutationResponse{
			Name:          m.Name,
			Description:   m.Description,
			Approvals:     m.Approvals,
			TimelockHours: m.TimelockHours,
		})
	}
	for _, role := range snapshot.Roles {
		privs := make([]string, 0, len(role.Privileges))
		for _, p := range role.Privileges {
			privs = append(privs, string(p))
		}
		resp.Roles = append(resp.Roles, roleResponse{
			Name:       role.Name,
			Members:    role.Members,
			Privileges: privs,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHasPrivilege(w http.ResponseWriter, r *http.Request) {
	who := r.URL.Query().Get("identity")
	priv := r.URL.Query().Get("privilege")
	if who == "" || priv == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"kind":    string(gate.KindInternal),
			"message": "identity and privilege query parameters are required",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"has_privilege": s.policies.HasPrivilege(who, policy.Privilege(priv)),
	})
}

type proposeRequest struct {
	MutationName string         `json:"mutation_name"`
	Payload      map[string]any `json:"payload"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"kind":    string(gate.KindInternal),
			"message": "malformed request body",
		})
		return
	}

	p, err := s.admission.Admit(r.Context(), ctxkey.PrincipalFromContext(r.Context()), req.MutationName, req.Payload)
	if err != nil {
		s.metrics.AdmissionsTotal.WithLabelValues(string(gate.AsDenial(err).Kind)).Inc()
		s.writeDenial(w, err)
		return
	}
	s.metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	s.metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	s.metrics.AuditSeq.Set(float64(s.log.Seq()))
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := proposal.Filter{
		Status:       proposal.Status(q.Get("status")),
		Proposer:     q.Get("proposer"),
		MutationName: q.Get("mutation"),
	}
	list, err := s.proposals.List(r.Context(), filter)
	if err != nil {
		s.writeDenial(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposals": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDenial(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Approve(r.Context(), r.PathValue("id"), ctxkey.PrincipalFromContext(r.Context()))
	if err != nil {
		s.writeDenial(w, err)
		return
	}
	s.metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	s.metrics.AuditSeq.Set(float64(s.log.Seq()))
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Execute(r.Context(), r.PathValue("id"), ctxkey.PrincipalFromContext(r.Context()))
	if err != nil {
		s.writeDenial(w, err)
		return
	}
	s.metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	s.metrics.AuditSeq.Set(float64(s.log.Seq()))
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var records []audit.Record
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{
				"kind":    string(gate.KindInternal),
				"message": "since must be a sequence number",
			})
			return
		}
		records = s.tail.Since(seq, limit)
	} else {
		records = s.tail.Recent(limit)
	}

	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, rec.FormatLine())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"lines":   lines,
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	// Verify over everything the in-memory tail retains, oldest first.
	recent := s.tail.Recent(1 << 20)
	records := make([]audit.Record, len(recent))
	for i, rec := range recent {
		records[len(recent)-1-i] = rec
	}

	// A partial window cannot verify its oldest link: the predecessor's
	// chain value has left the ring. Trust that link and verify forward.
	var prevChain uint64
	if len(records) > 0 && records[0].Seq > 1 {
		prevChain = records[0].Chain
		records = records[1:]
	}

	broken := audit.VerifyChain(prevChain, records)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"intact":   broken < 0,
		"verified": len(records),
		"broken_at": func() any {
			if broken < 0 {
				return nil
			}
			return records[broken].Seq
		}(),
	})
}

// writeDenial maps a denial kind to its HTTP status and writes the stable
// {kind, message} body. Non-denial errors surface as INTERNAL.
func (s *Server) writeDenial(w http.ResponseWriter, err error) {
	d := gate.AsDenial(err)
	if d.Kind == gate.KindInternal && !isDenial(err) {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, denialStatus(d.Kind), map[string]string{
		"kind":    string(d.Kind),
		"message": d.Message,
	})
}

func isDenial(err error) bool {
	var d *gate.Denial
	return errors.As(err, &d)
}

func denialStatus(kind gate.Kind) int {
	switch kind {
	case gate.KindUnauthenticated:
		return http.StatusUnauthorized
	case gate.KindForbidden, gate.KindConsentDenied:
		return http.StatusForbidden
	case gate.KindRateLimited:
		return http.StatusTooManyRequests
	case gate.KindUnknownMutation, gate.KindNotFound:
		return http.StatusNotFound
	case gate.KindTimelockActive, gate.KindAlreadyTerminal, gate.KindInProgress, gate.KindPolicyChanged:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
