package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authentication subsystem
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow Metrics
	AuthorizationURLsIssued metric.Int64Counter
	CodeExchanges           metric.Int64Counter
	TokenRefreshes          metric.Int64Counter

	// Security Metrics
	QuotaDecisions      metric.Int64Counter
	VerifierMismatches  metric.Int64Counter
	ChallengesConsumed  metric.Int64Counter
	ClientAgentRejected metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	QuotaCountersSwept       metric.Int64Counter
	StorageSizeChallenges    metric.Int64ObservableGauge
	StorageSizeQuotaCounters metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	// HTTP Layer Metrics
	var err error
	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"auth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// Flow Metrics
	m.AuthorizationURLsIssued, err = inst.serverMeter.Int64Counter(
		"auth.authorization_urls.issued",
		metric.WithDescription("Number of authorization URLs issued"),
		metric.WithUnit("{url}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization_urls.issued counter: %w", err)
	}

	m.CodeExchanges, err = inst.serverMeter.Int64Counter(
		"auth.code.exchanges",
		metric.WithDescription("Number of code exchanges by outcome and reached stage"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanges counter: %w", err)
	}

	m.TokenRefreshes, err = inst.serverMeter.Int64Counter(
		"auth.token.refreshes",
		metric.WithDescription("Number of upstream token refreshes by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshes counter: %w", err)
	}

	// Security Metrics
	m.QuotaDecisions, err = inst.securityMeter.Int64Counter(
		"auth.quota.decisions",
		metric.WithDescription("Quota decisions by class and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota.decisions counter: %w", err)
	}

	m.VerifierMismatches, err = inst.securityMeter.Int64Counter(
		"auth.verifier.mismatches",
		metric.WithDescription("PKCE verifier mismatches (potential code interception attempts)"),
		metric.WithUnit("{mismatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier.mismatches counter: %w", err)
	}

	m.ChallengesConsumed, err = inst.securityMeter.Int64Counter(
		"auth.challenges.consumed",
		metric.WithDescription("Pending challenge consumption attempts by outcome"),
		metric.WithUnit("{challenge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create challenges.consumed counter: %w", err)
	}

	m.ClientAgentRejected, err = inst.securityMeter.Int64Counter(
		"auth.client_agent.rejected",
		metric.WithDescription("Requests rejected by the client-agent heuristic"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_agent.rejected counter: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"auth.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"auth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.QuotaCountersSwept, err = inst.storageMeter.Int64Counter(
		"auth.quota.counters.swept",
		metric.WithDescription("Idle quota counters removed by the sweeper"),
		metric.WithUnit("{counter}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota.counters.swept counter: %w", err)
	}

	m.StorageSizeChallenges, err = inst.storageMeter.Int64ObservableGauge(
		"auth.storage.size.challenges",
		metric.WithDescription("Number of pending challenges in storage"),
		metric.WithUnit("{challenge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.challenges gauge: %w", err)
	}

	m.StorageSizeQuotaCounters, err = inst.storageMeter.Int64ObservableGauge(
		"auth.storage.size.quota_counters",
		metric.WithDescription("Number of quota counters in storage"),
		metric.WithUnit("{counter}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.quota_counters gauge: %w", err)
	}

	// Provider Metrics
	m.ProviderAPICallsTotal, err = inst.providerMeter.Int64Counter(
		"auth.provider.api.calls.total",
		metric.WithDescription("Total number of upstream provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = inst.providerMeter.Float64Histogram(
		"auth.provider.api.duration",
		metric.WithDescription("Upstream provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = inst.providerMeter.Int64Counter(
		"auth.provider.api.errors",
		metric.WithDescription("Upstream provider API call failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors counter: %w", err)
	}

	// Audit Metrics
	m.AuditEventsTotal, err = inst.securityMeter.Int64Counter(
		"auth.audit.events.total",
		metric.WithDescription("Total number of security audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	// Encryption Metrics
	m.EncryptionOperationsTotal, err = inst.securityMeter.Int64Counter(
		"auth.encryption.operations.total",
		metric.WithDescription("Total number of at-rest encryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationURLIssued records an issued authorization URL
func (m *Metrics) RecordAuthorizationURLIssued(ctx context.Context) {
	m.AuthorizationURLsIssued.Add(ctx, 1)
}

// RecordCodeExchange records a code exchange with the stage it reached
func (m *Metrics) RecordCodeExchange(ctx context.Context, stage string, success bool) {
	m.CodeExchanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records an upstream token refresh
func (m *Metrics) RecordTokenRefresh(ctx context.Context, success bool) {
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordQuotaDecision records a quota decision for a class
func (m *Metrics) RecordQuotaDecision(ctx context.Context, class string, allowed bool) {
	m.QuotaDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.Bool("allowed", allowed),
	))
}

// RecordVerifierMismatch records a PKCE verifier mismatch
func (m *Metrics) RecordVerifierMismatch(ctx context.Context) {
	m.VerifierMismatches.Add(ctx, 1)
}

// RecordChallengeConsumed records a challenge consumption attempt
// outcome is one of: consumed, not_found, expired
func (m *Metrics) RecordChallengeConsumed(ctx context.Context, outcome string) {
	m.ChallengesConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordClientAgentRejected records a rejected client-agent string
func (m *Metrics) RecordClientAgentRejected(ctx context.Context, endpoint string) {
	m.ClientAgentRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordQuotaSweep records the outcome of one sweeper run
func (m *Metrics) RecordQuotaSweep(ctx context.Context, removed int) {
	m.QuotaCountersSwept.Add(ctx, int64(removed))
}

// RecordProviderAPICall records an upstream provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
