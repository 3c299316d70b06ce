package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, code verifiers, client secrets) in traces or
// metrics. Only log metadata such as outcomes, stages, classes and durations.
// Traces are persisted for extended periods, accessible to wider audiences
// than production systems, and replicated across monitoring infrastructure.
const (
	// Flow attributes - SAFE to use for metadata only
	AttrFlowOperation    = "auth.flow.operation"     // getAuthorizationUrl, exchangeCode, refreshToken
	AttrExchangeStage    = "auth.exchange.stage"     // Stage a code exchange reached
	AttrExchangeOutcome  = "auth.exchange.outcome"   // complete / failed
	AttrRedirectURI      = "auth.redirect_uri"       // Loopback redirect URI (non-secret)
	AttrStatePresent     = "auth.state.present"      // Whether a state parameter was supplied (boolean)
	AttrVerifierPresent  = "auth.verifier.present"   // Whether a code verifier was supplied (boolean)
	AttrIdentityProvider = "auth.identity.provider"  // Upstream provider name
	AttrError            = "auth.error"              // Error code
	AttrErrorDescription = "auth.error_description"  // Error description

	// Quota attributes
	AttrQuotaClass   = "quota.class"
	AttrQuotaAllowed = "quota.allowed"
	AttrQuotaCount   = "quota.count"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"

	// Security attributes
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"
	AttrClientIP            = "security.client_ip"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrRequestID      = "http.request_id"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddExchangeAttributes adds code exchange attributes to a span (nil-safe)
func AddExchangeAttributes(span trace.Span, stage string, success bool) {
	outcome := "failed"
	if success {
		outcome = "complete"
	}
	SetSpanAttributes(span,
		attribute.String(AttrExchangeStage, stage),
		attribute.String(AttrExchangeOutcome, outcome),
	)
}

// AddQuotaAttributes adds quota decision attributes to a span (nil-safe)
func AddQuotaAttributes(span trace.Span, class string, allowed bool) {
	SetSpanAttributes(span,
		attribute.String(AttrQuotaClass, class),
		attribute.Bool(AttrQuotaAllowed, allowed),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds upstream provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, name, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, name),
		attribute.String(AttrProviderOperation, operation),
	)
}
