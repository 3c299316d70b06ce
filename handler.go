package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hallpass-io/desktop-oauth/instrumentation"
	"github.com/hallpass-io/desktop-oauth/quota"
	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/server"
)

const (
	// maxRequestBodyBytes bounds request bodies. The largest legitimate
	// payload is an exchange request, well under a kilobyte.
	maxRequestBodyBytes = 16 * 1024

	contentTypeJSON = "application/json"

	// Endpoint paths registered by RegisterRoutes
	PathAuthorizationURL = "/auth/url"
	PathExchange         = "/auth/exchange"
	PathRefresh          = "/auth/refresh"
)

// HandlerConfig holds HTTP layer settings.
type HandlerConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// when deriving the client IP. Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many proxies to trust from the right of
	// X-Forwarded-For when TrustProxy is enabled.
	TrustedProxyCount int

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Handler exposes the three flow operations as JSON-over-HTTP endpoints.
// It owns everything transport-shaped: body limits, client IP derivation,
// the client-agent gate, security headers, and the mapping from flow errors
// to wire error codes. The flow engine below it never sees HTTP.
type Handler struct {
	server            *server.Server
	logger            *slog.Logger
	tracer            trace.Tracer
	trustProxy        bool
	trustedProxyCount int
}

// NewHandler creates a new HTTP handler over a flow engine.
func NewHandler(srv *server.Server, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:            srv,
		logger:            logger,
		trustProxy:        cfg.TrustProxy,
		trustedProxyCount: cfg.TrustedProxyCount,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers the flow endpoints on mux, wrapped with request
// ID propagation.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(PathAuthorizationURL, security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorizationURL)))
	mux.Handle(PathExchange, security.RequestIDMiddleware(http.HandlerFunc(h.ServeExchange)))
	mux.Handle(PathRefresh, security.RequestIDMiddleware(http.HandlerFunc(h.ServeRefresh)))
}

// ServeAuthorizationURL handles POST /auth/url: issues an authorization URL
// with a fresh state and PKCE verifier.
func (h *Handler) ServeAuthorizationURL(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "auth.url")
	defer span.End()

	clientIP := h.clientIP(r)
	var req AuthorizationURLRequest
	if !h.acceptRequest(w, r, PathAuthorizationURL, clientIP, &req) {
		h.recordHTTPRequest(ctx, PathAuthorizationURL, http.StatusBadRequest, start)
		return
	}

	issued, err := h.server.IssueAuthorizationURL(ctx, req.RedirectURI, clientIP)
	if err != nil {
		h.writeFlowError(w, ctx, PathAuthorizationURL, err, start, span)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, AuthorizationURLResponse{
		AuthorizationURL: issued.AuthorizationURL,
		State:            issued.State,
		CodeVerifier:     issued.CodeVerifier,
	})
	h.recordHTTPRequest(ctx, PathAuthorizationURL, http.StatusOK, start)
}

// ServeExchange handles POST /auth/exchange: redeems a one-time code for
// upstream tokens and a local session.
func (h *Handler) ServeExchange(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "auth.exchange")
	defer span.End()

	clientIP := h.clientIP(r)
	var req ExchangeRequest
	if !h.acceptRequest(w, r, PathExchange, clientIP, &req) {
		h.recordHTTPRequest(ctx, PathExchange, http.StatusBadRequest, start)
		return
	}

	result, err := h.server.ExchangeCode(ctx, &server.ExchangeInput{
		Code:         req.Code,
		State:        req.State,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
		RequesterID:  clientIP,
	})
	if err != nil {
		h.writeFlowError(w, ctx, PathExchange, err, start, span)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, ExchangeResponse{
		SessionToken: result.SessionToken,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    result.ExpiresIn,
		IDToken:      result.IDToken,
		Identity: IdentitySummary{
			ID:          result.Identity.ID,
			Email:       result.Identity.Email,
			DisplayName: result.Identity.DisplayName,
			AvatarURL:   result.Identity.AvatarURL,
			Provider:    result.Identity.Provider,
		},
	})
	h.recordHTTPRequest(ctx, PathExchange, http.StatusOK, start)
}

// ServeRefresh handles POST /auth/refresh: renews an upstream access token.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r, "auth.refresh")
	defer span.End()

	clientIP := h.clientIP(r)
	var req RefreshRequest
	if !h.acceptRequest(w, r, PathRefresh, clientIP, &req) {
		h.recordHTTPRequest(ctx, PathRefresh, http.StatusBadRequest, start)
		return
	}

	result, err := h.server.RefreshToken(ctx, req.RefreshToken, clientIP)
	if err != nil {
		h.writeFlowError(w, ctx, PathRefresh, err, start, span)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, RefreshResponse{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
		IDToken:     result.IDToken,
	})
	h.recordHTTPRequest(ctx, PathRefresh, http.StatusOK, start)
}

// acceptRequest runs the transport-level gate shared by all endpoints:
// method, client-agent plausibility, and a bounded JSON body. The agent
// check runs before the body is read so rejected automation never costs a
// parse, let alone a store round trip.
func (h *Handler) acceptRequest(w http.ResponseWriter, r *http.Request, endpoint, clientIP string, out any) bool {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	if err := h.server.ValidateClientAgent(r.UserAgent()); err != nil {
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordClientAgentRejected(r.Context(), endpoint)
		}
		h.logger.Warn("Rejected implausible client agent",
			"endpoint", endpoint,
			"client_ip", clientIP)
		h.writeError(w, ErrorCodeInvalidRequest, "Client agent not accepted", http.StatusBadRequest)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}

	return true
}

// writeFlowError maps a flow engine error onto the wire taxonomy.
//
// Challenge not-found, expired and verifier mismatch all arrive here as
// server.ErrInvalidGrant and leave as one indistinguishable invalid_grant
// response; the distinction lives only in server-side logs and metrics.
func (h *Handler) writeFlowError(w http.ResponseWriter, ctx context.Context, endpoint string, err error, start time.Time, span trace.Span) {
	oauthErr := h.mapFlowError(err)

	instrumentation.RecordError(span, err)
	span.SetAttributes(attribute.String(instrumentation.AttrError, oauthErr.Code))

	if retryAfter := retryAfterSeconds(err); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
	h.recordHTTPRequest(ctx, endpoint, oauthErr.Status, start)
}

// mapFlowError translates flow engine sentinels into wire errors. Anything
// unrecognized becomes an opaque server_error; the detail stays in logs.
func (h *Handler) mapFlowError(err error) *OAuthError {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return ErrRateLimitExceeded("Rate limit exceeded. Please try again later.")
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return ErrInvalidRedirectURI("Redirect URI must be a loopback address with an explicit unprivileged port")
	case errors.Is(err, server.ErrValidation):
		return ErrInvalidRequest("Request validation failed")
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("Authorization grant is invalid, expired, or already used")
	case errors.Is(err, server.ErrAccessDenied):
		return ErrAccessDenied("Account not eligible for access")
	case errors.Is(err, server.ErrUpstreamUnavailable):
		return ErrTemporarilyUnavailable("Upstream provider unavailable. Please retry.")
	default:
		h.logger.Error("Unexpected flow error", "error", err)
		return ErrServerError("Internal server error")
	}
}

// retryAfterSeconds extracts the quota window remainder, rounded up so the
// client never retries early.
func retryAfterSeconds(err error) int {
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		return 0
	}
	secs := int(exceeded.RetryAfter / time.Second)
	if exceeded.RetryAfter%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// clientIP derives the caller address used for quota accounting and audit.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.trustProxy, h.trustedProxyCount)
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), trace.SpanFromContext(r.Context())
	}
	c, s := h.tracer.Start(r.Context(), name, trace.WithSpanKind(trace.SpanKindServer))
	s.SetAttributes(
		attribute.String(instrumentation.AttrHTTPMethod, r.Method),
		attribute.String(instrumentation.AttrHTTPEndpoint, r.URL.Path),
		attribute.String(instrumentation.AttrRequestID, security.GetRequestID(r.Context())),
	)
	return c, s
}

func (h *Handler) recordHTTPRequest(ctx context.Context, endpoint string, status int, start time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, http.MethodPost, endpoint, status, float64(time.Since(start).Microseconds())/1000.0)
}

// writeJSON writes a JSON response with security headers.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an OAuth error envelope with security headers.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}
