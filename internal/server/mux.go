// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the Secure Link
// service: link lifecycle endpoints with JWT authentication, the public claim
// surface, SSE change streams, advisor chat, KYC verification and the payment
// gateway webhook.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/spendai/securelink-go/internal/advisor"
	"github.com/spendai/securelink-go/internal/engine"
	errordefs "github.com/spendai/securelink-go/internal/errors"
	"github.com/spendai/securelink-go/internal/event"
	"github.com/spendai/securelink-go/internal/gateway"
	"github.com/spendai/securelink-go/internal/jwks"
	"github.com/spendai/securelink-go/internal/kyc"
	"github.com/spendai/securelink-go/internal/metrics"
	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions.
type ContextKey string

const (
	// ContextKeySubject stores the JWT subject (wallet owner ID)
	ContextKeySubject ContextKey = "subject"
	// ContextKeyCorrelationID stores the request correlation ID
	ContextKeyCorrelationID ContextKey = "correlationId"

	// maxBodyBytes bounds request bodies; link payloads are small.
	maxBodyBytes = 1 << 20

	// idempotencyTTL is how long a cached idempotent response is replayed.
	idempotencyTTL = 24 * time.Hour

	// heartbeatInterval keeps SSE connections alive through proxies.
	heartbeatInterval = 15 * time.Second
)

// Options wires the mux's dependencies.
type Options struct {
	Store   storage.Store
	Bus     event.Bus
	Engine  *engine.Engine
	Advisor *advisor.Service
	KYC     kyc.Provider
	Webhook *gateway.Webhook

	JWKS        *jwks.Client
	JWTIssuer   string
	JWTAudience string

	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the Secure Link service.
type Mux struct {
	mux     *http.ServeMux
	s       storage.Store
	bus     event.Bus
	eng     *engine.Engine
	advisor *advisor.Service
	kyc     kyc.Provider
	webhook *gateway.Webhook

	jwksClient  *jwks.Client
	jwtIssuer   string
	jwtAudience string

	metrics            *metrics.Metrics
	corsAllowedOrigins []string
}

// NewMux creates the HTTP mux with all Secure Link endpoints.
func NewMux(opts Options) *http.ServeMux {
	jwksClient := opts.JWKS
	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", strings.TrimSuffix(opts.JWTIssuer, "/")))
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  opts.Store,
		bus:                opts.Bus,
		eng:                opts.Engine,
		advisor:            opts.Advisor,
		kyc:                opts.KYC,
		webhook:            opts.Webhook,
		jwksClient:         jwksClient,
		jwtIssuer:          opts.JWTIssuer,
		jwtAudience:        opts.JWTAudience,
		metrics:            metrics.NewMetrics(),
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Link lifecycle endpoints
	m.mux.HandleFunc("/v1/links", m.withMiddleware(true, m.handleLinks))
	m.mux.HandleFunc("/v1/links/pending", m.method("GET", m.withMiddleware(true, m.handleListPending)))
	m.mux.HandleFunc("/v1/links/claim", m.method("POST", m.withMiddleware(true, m.handleClaim)))
	m.mux.HandleFunc("/v1/links/request", m.method("POST", m.withMiddleware(false, m.handleSubmitRequest)))
	m.mux.HandleFunc("/v1/links/events", m.method("GET", m.withMiddleware(false, m.handleEvents)))
	m.mux.HandleFunc("/v1/links/code/", m.method("GET", m.withMiddleware(false, m.handleGetByCode)))
	m.mux.HandleFunc("/v1/links/", m.method("POST", m.withMiddleware(true, m.handleLinkAction)))

	// Supporting surfaces
	m.mux.HandleFunc("/v1/advisor/ask", m.method("POST", m.withMiddleware(true, m.handleAdvisorAsk)))
	m.mux.HandleFunc("/v1/kyc/verify", m.method("POST", m.withMiddleware(true, m.handleKYCVerify)))
	m.mux.HandleFunc("/v1/webhooks/paystack", m.method("POST", m.withMiddleware(false, m.handleWebhook)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != "OPTIONS" {
			w.Header().Set("Allow", method+", OPTIONS")
			m.writeErrorDef(w, errordefs.New(errordefs.SPEND_METHOD_NOT_ALLOWED, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Flush lets SSE handlers stream through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMiddleware applies CORS, correlation IDs, optional JWT authentication,
// request logging and metrics.
func (m *Mux) withMiddleware(requireAuth bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.applyCORS(w, r)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if requireAuth {
			sub, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.SPEND_AUTHN, err.Error(), correlationID)
				}
				m.writeErrorDef(rec, errorDef)
				m.logRequest(r, rec.status, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, sub))
		}

		r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		h(rec, r)

		m.logRequest(r, rec.status, time.Since(start), correlationID, nil)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Observe(time.Since(start).Seconds())
	}
}

// applyCORS sets CORS headers when the origin is allowed.
func (m *Mux) applyCORS(w http.ResponseWriter, r *http.Request) {
	if len(m.corsAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}

// validateJWT validates a bearer token and extracts the subject.
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.SPEND_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.SPEND_AUTHN, "invalid Authorization header format", "")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return "", errordefs.New(errordefs.SPEND_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return "", errordefs.New(errordefs.SPEND_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return "", errordefs.New(errordefs.SPEND_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return "", errordefs.New(errordefs.SPEND_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return "", errordefs.New(errordefs.SPEND_JWT_INVALID, "invalid JWT signature", "")
		default:
			return "", errordefs.New(errordefs.SPEND_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errordefs.New(errordefs.SPEND_JWT_INVALID, "missing or invalid sub claim", "")
	}
	return sub, nil
}

// resolveWallet finds the caller's wallet, provisioning one on first contact.
// The gateway customer code is assigned here so deposits can find the wallet.
func (m *Mux) resolveWallet(ctx context.Context) (*model.Wallet, error) {
	sub, _ := ctx.Value(ContextKeySubject).(string)
	if sub == "" {
		return nil, errordefs.New(errordefs.SPEND_AUTHN, "missing session subject", "")
	}

	wallet, err := m.s.GetWalletByOwner(ctx, sub)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	created := model.Wallet{
		ID:           ulid.Make().String(),
		OwnerID:      sub,
		Currency:     "NGN",
		CustomerCode: "CUS_" + strings.ToLower(ulid.Make().String()),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.s.CreateWallet(ctx, created); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a provisioning race; the other request's wallet wins.
			return m.s.GetWalletByOwner(ctx, sub)
		}
		return nil, err
	}
	slog.Info("wallet provisioned", "walletId", created.ID, "ownerId", sub)
	return &created, nil
}

// correlationID pulls the request correlation ID from context.
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// mapError translates engine and storage sentinels onto the error taxonomy.
func mapError(err error, correlationID string) *errordefs.Error {
	if e, ok := err.(*errordefs.Error); ok {
		if e.CorrelationID == "" {
			e.CorrelationID = correlationID
		}
		return e
	}
	switch {
	case errors.Is(err, engine.ErrValidation):
		return errordefs.New(errordefs.SPEND_VALIDATION, err.Error(), correlationID)
	case errors.Is(err, engine.ErrUnauthorized):
		return errordefs.New(errordefs.SPEND_UNAUTHORIZED, "unauthorized", correlationID)
	case errors.Is(err, engine.ErrInvalidState):
		return errordefs.New(errordefs.SPEND_INVALID_STATE, "link state does not permit this operation", correlationID)
	case errors.Is(err, engine.ErrForbidden):
		return errordefs.New(errordefs.SPEND_WALLET_MISMATCH, "link belongs to a different wallet", correlationID)
	case errors.Is(err, engine.ErrUpstream):
		return errordefs.New(errordefs.SPEND_UPSTREAM, "settlement provider failed", correlationID)
	case errors.Is(err, storage.ErrInsufficientFunds):
		return errordefs.New(errordefs.SPEND_INSUFFICIENT_FUNDS, "insufficient wallet balance", correlationID)
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.SPEND_NOT_FOUND, "not found", correlationID)
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.SPEND_CONFLICT, "conflicting update", correlationID)
	case errors.Is(err, kyc.ErrRejected):
		return errordefs.New(errordefs.SPEND_BAD_REQUEST, "identity verification rejected", correlationID)
	case errors.Is(err, advisor.ErrUnavailable):
		return errordefs.New(errordefs.SPEND_UNAVAILABLE, "advisor unavailable", correlationID)
	default:
		return errordefs.New(errordefs.SPEND_INTERNAL, "internal error", correlationID)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response following the error taxonomy.
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	errBody := map[string]interface{}{
		"code":          string(err.Code),
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		errBody["details"] = err.Details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": errBody})
}

// failWith maps err onto the taxonomy and writes it.
func (m *Mux) failWith(w http.ResponseWriter, ctx context.Context, err error) {
	m.writeErrorDef(w, mapError(err, correlationID(ctx)))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if sub, ok := r.Context().Value(ContextKeySubject).(string); ok && sub != "" {
		attrs = append(attrs, slog.String("subject", sub))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A probe lookup; ErrNotFound proves the store is reachable.
	_, err := m.s.GetWallet(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleLinks dispatches POST (create) and GET (list) on /v1/links.
func (m *Mux) handleLinks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		m.handleCreateLink(w, r)
	case "GET":
		m.handleListLinks(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_METHOD_NOT_ALLOWED, "method not allowed", correlationID(r.Context())))
	}
}

// idempotencyHash scopes an idempotency key to a wallet and operation so keys
// cannot collide or be replayed across callers.
func idempotencyHash(walletID, operation, key string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(walletID+":"+operation+":"+key)))
}

// replayIdempotent writes the cached response for keyHash if one exists.
func (m *Mux) replayIdempotent(w http.ResponseWriter, ctx context.Context, keyHash string) bool {
	body, status, err := m.s.GetIdempotentResponse(ctx, keyHash)
	if err != nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return true
}

// storeIdempotent caches a success payload for later replay, best effort.
func (m *Mux) storeIdempotent(ctx context.Context, keyHash string, data interface{}) {
	body, err := json.Marshal(map[string]interface{}{"data": data})
	if err != nil {
		return
	}
	expiresAt := time.Now().UTC().Add(idempotencyTTL)
	if err := m.s.StoreIdempotentResponse(ctx, keyHash, body, http.StatusOK, expiresAt); err != nil {
		slog.Warn("failed to store idempotent response", "error", err)
	}
}

// handleCreateLink handles POST /v1/links with idempotency support.
func (m *Mux) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("securelink").Start(r.Context(), "handleCreateLink")
	defer span.End()
	defer r.Body.Close()

	var req model.CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "invalid JSON", correlationID(ctx)))
		return
	}

	span.SetAttributes(
		attribute.Int64("amount", req.Amount),
		attribute.Bool("has_idempotency_key", req.IdempotencyKey != ""),
	)

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	var keyHash string
	if req.IdempotencyKey != "" {
		keyHash = idempotencyHash(wallet.ID, "createLink", req.IdempotencyKey)
		if m.replayIdempotent(w, ctx, keyHash) {
			return
		}
	}

	data, err := m.eng.CreateLink(ctx, wallet.ID, req)
	if err != nil {
		span.SetStatus(codes.Error, "create failed")
		m.metrics.LifecycleTotal.WithLabelValues("create", "error").Inc()
		m.failWith(w, ctx, err)
		return
	}
	m.metrics.LifecycleTotal.WithLabelValues("create", "ok").Inc()

	if keyHash != "" {
		m.storeIdempotent(ctx, keyHash, data)
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleListLinks handles GET /v1/links with an optional status filter.
func (m *Mux) handleListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	status := model.LinkStatus(r.URL.Query().Get("status"))
	links, err := m.eng.ListByOwner(ctx, wallet.ID, status)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"links": links})
}

// handleListPending handles GET /v1/links/pending.
func (m *Mux) handleListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	links, err := m.eng.ListPendingApprovals(ctx, wallet.ID)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"links": links})
}

// handleGetByCode handles GET /v1/links/code/{code}. Unauthenticated: only
// the public projection leaves this handler.
func (m *Mux) handleGetByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := strings.TrimPrefix(r.URL.Path, "/v1/links/code/")
	if code == "" || strings.Contains(code, "/") {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "code is required", correlationID(ctx)))
		return
	}

	link, err := m.eng.GetLinkByCode(ctx, code)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, link.PublicView())
}

// handleClaim handles POST /v1/links/claim. The authenticated caller's wallet
// receives the escrowed amount.
func (m *Mux) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("securelink").Start(r.Context(), "handleClaim")
	defer span.End()
	defer r.Body.Close()

	var req model.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "invalid JSON", correlationID(ctx)))
		return
	}
	if req.Code == "" || req.Passcode == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "code and passcode are required", correlationID(ctx)))
		return
	}

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	data, err := m.eng.Claim(ctx, wallet.ID, req)
	if err != nil {
		m.metrics.LifecycleTotal.WithLabelValues("claim", "error").Inc()
		m.failWith(w, ctx, err)
		return
	}
	m.metrics.LifecycleTotal.WithLabelValues("claim", "ok").Inc()
	m.writeSuccess(w, http.StatusOK, data)
}

// handleSubmitRequest handles POST /v1/links/request. Unauthenticated: the
// code and passcode are the claimant's credentials.
func (m *Mux) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("securelink").Start(r.Context(), "handleSubmitRequest")
	defer span.End()
	defer r.Body.Close()

	var req model.SubmitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "invalid JSON", correlationID(ctx)))
		return
	}
	if req.Code == "" || req.Passcode == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "code and passcode are required", correlationID(ctx)))
		return
	}

	data, err := m.eng.SubmitRequest(ctx, req)
	if err != nil {
		m.metrics.LifecycleTotal.WithLabelValues("request", "error").Inc()
		m.failWith(w, ctx, err)
		return
	}
	m.metrics.LifecycleTotal.WithLabelValues("request", "ok").Inc()
	m.writeSuccess(w, http.StatusOK, data)
}

// handleLinkAction handles POST /v1/links/{id}/approve|reject|cancel.
func (m *Mux) handleLinkAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rest := strings.TrimPrefix(r.URL.Path, "/v1/links/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_NOT_FOUND, "unknown link operation", correlationID(ctx)))
		return
	}
	linkID, action := parts[0], parts[1]

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	var data *model.StatusData
	switch action {
	case "approve":
		data, err = m.approveWithIdempotency(w, r, wallet, linkID)
		if data == nil && err == nil {
			// Replayed from the idempotency cache
			return
		}
	case "reject":
		data, err = m.eng.Reject(ctx, wallet.ID, linkID)
	case "cancel":
		data, err = m.eng.Cancel(ctx, wallet.ID, linkID)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_NOT_FOUND, "unknown link operation", correlationID(ctx)))
		return
	}
	if err != nil {
		m.metrics.LifecycleTotal.WithLabelValues(action, "error").Inc()
		m.failWith(w, ctx, err)
		return
	}
	m.metrics.LifecycleTotal.WithLabelValues(action, "ok").Inc()
	m.writeSuccess(w, http.StatusOK, data)
}

// approveWithIdempotency runs the approve flow, replaying a cached response
// when the idempotency key was already settled. A (nil, nil) return means the
// response was already written.
func (m *Mux) approveWithIdempotency(w http.ResponseWriter, r *http.Request, wallet *model.Wallet, linkID string) (*model.StatusData, error) {
	ctx, span := otel.Tracer("securelink").Start(r.Context(), "handleApprove")
	defer span.End()
	defer r.Body.Close()

	var req model.ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errordefs.New(errordefs.SPEND_VALIDATION, "invalid JSON", correlationID(ctx))
	}
	span.SetAttributes(attribute.String("linkId", linkID))

	var keyHash string
	if req.IdempotencyKey != "" {
		keyHash = idempotencyHash(wallet.ID, "approve:"+linkID, req.IdempotencyKey)
		if m.replayIdempotent(w, ctx, keyHash) {
			return nil, nil
		}
	}

	data, err := m.eng.Approve(ctx, wallet.ID, linkID, req.PIN)
	if err != nil {
		span.SetStatus(codes.Error, "approve failed")
		return nil, err
	}

	if keyHash != "" {
		m.storeIdempotent(ctx, keyHash, data)
	}
	return data, nil
}

// handleEvents handles GET /v1/links/events as an SSE stream. With ?link={id}
// it streams one link's changes unauthenticated (status only, for claimant
// polling); otherwise the caller's JWT scopes the stream to their own links.
func (m *Mux) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		ch     <-chan model.LinkChangeEvent
		cancel func()
		err    error
		public bool
	)
	if linkID := r.URL.Query().Get("link"); linkID != "" {
		public = true
		ch, cancel, err = m.bus.SubscribeLink(ctx, linkID)
	} else {
		sub, authErr := m.validateJWT(r)
		if authErr != nil {
			m.failWith(w, ctx, authErr)
			return
		}
		ctx = context.WithValue(ctx, ContextKeySubject, sub)
		wallet, werr := m.resolveWallet(ctx)
		if werr != nil {
			m.failWith(w, ctx, werr)
			return
		}
		ch, cancel, err = m.bus.SubscribeOwner(ctx, wallet.ID)
	}
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_INTERNAL, "streaming unsupported", correlationID(ctx)))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	m.metrics.EventSubscribers.Inc()
	defer m.metrics.EventSubscribers.Dec()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			// The unauthenticated link stream gets the trimmed projection;
			// owner identity stays on the authenticated stream only.
			var payload interface{} = ev
			if public {
				payload = ev.ClaimantView()
			}
			body, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: link.changed\ndata: %s\n\n", body)
			flusher.Flush()
		}
	}
}

// handleAdvisorAsk handles POST /v1/advisor/ask.
func (m *Mux) handleAdvisorAsk(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("securelink").Start(r.Context(), "handleAdvisorAsk")
	defer span.End()
	defer r.Body.Close()

	var req model.AdvisorAskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "invalid JSON", correlationID(ctx)))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "prompt is required", correlationID(ctx)))
		return
	}

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	data, err := m.advisor.Ask(ctx, wallet, req)
	if err != nil {
		span.SetStatus(codes.Error, "advisor ask failed")
		m.failWith(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleKYCVerify handles POST /v1/kyc/verify: BVN verification followed by
// virtual account issuance.
func (m *Mux) handleKYCVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("securelink").Start(r.Context(), "handleKYCVerify")
	defer span.End()
	defer r.Body.Close()

	var req model.KYCVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "invalid JSON", correlationID(ctx)))
		return
	}
	if req.BVN == "" || strings.TrimSpace(req.FullName) == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_VALIDATION, "bvn and fullName are required", correlationID(ctx)))
		return
	}

	wallet, err := m.resolveWallet(ctx)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}
	if wallet.KYCVerified {
		m.writeSuccess(w, http.StatusOK, wallet)
		return
	}

	if err := m.kyc.VerifyBVN(ctx, req.BVN, req.FullName); err != nil {
		m.failWith(w, ctx, err)
		return
	}

	account, err := m.kyc.IssueVirtualAccount(ctx, wallet.CustomerCode, req.FullName)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	if err := m.s.SetWalletVerified(ctx, wallet.ID, account.BankName, account.AccountNumber, account.AccountName); err != nil {
		m.failWith(w, ctx, err)
		return
	}

	updated, err := m.s.GetWallet(ctx, wallet.ID)
	if err != nil {
		m.failWith(w, ctx, err)
		return
	}

	slog.Info("wallet verified",
		"walletId", wallet.ID,
		"bankName", account.BankName,
		"accountNumber", account.AccountNumber)
	m.writeSuccess(w, http.StatusOK, updated)
}

// handleWebhook handles POST /v1/webhooks/paystack. The HMAC signature is the
// only authentication; a bad signature is rejected before the body is parsed.
func (m *Mux) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_BAD_REQUEST, "failed to read body", correlationID(ctx)))
		return
	}

	if !m.webhook.VerifySignature(r.Header.Get(gateway.SignatureHeader), body) {
		m.metrics.WebhookTotal.WithLabelValues("bad_signature").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_AUTHN, "invalid webhook signature", correlationID(ctx)))
		return
	}

	outcome, err := m.webhook.Process(ctx, body)
	if err != nil {
		m.metrics.WebhookTotal.WithLabelValues("error").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.SPEND_BAD_REQUEST, "unprocessable webhook payload", correlationID(ctx)))
		return
	}

	m.metrics.WebhookTotal.WithLabelValues(string(outcome)).Inc()
	m.writeSuccess(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
