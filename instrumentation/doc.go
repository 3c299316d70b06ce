// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the desktop-oauth library.
//
// It covers the three observability signals the library emits:
//   - Metrics: counters, histograms, and gauges for the authentication flows
//   - Traces: spans for HTTP requests, flow stages, storage operations, and
//     upstream provider calls
//   - Logging: structured logs carry the request ID propagated alongside traces
//
// # Quick Start
//
//	import "github.com/hallpass-io/desktop-oauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "hallpass-auth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// Pass the instance through oauth.Dependencies.Instrumentation (or call
// SetInstrumentation on the server, limiter, and store directly) and every
// layer starts recording.
//
// # Available Metrics
//
// HTTP layer:
//   - auth.http.requests.total{method, endpoint, status}
//   - auth.http.request.duration{endpoint}
//
// Flows:
//   - auth.authorization_urls.issued
//   - auth.code.exchanges{stage, success} - stage reached by each exchange
//   - auth.token.refreshes{success}
//
// Security:
//   - auth.quota.decisions{class, allowed}
//   - auth.verifier.mismatches - possible code interception attempts
//   - auth.challenges.consumed{outcome} - success, expired, not_found,
//     verifier_mismatch
//   - auth.client_agent.rejected{endpoint}
//   - auth.audit.events.total{event_type}
//   - auth.encryption.operations.total{operation}
//
// Storage:
//   - auth.storage.operations.total{operation, result}
//   - auth.storage.operation.duration{operation}
//   - auth.storage.size.challenges / auth.storage.size.quota_counters
//   - auth.quota.counters.swept - counters removed by retention sweeps
//
// Provider:
//   - auth.provider.api.calls.total{provider, operation, status}
//   - auth.provider.api.duration{provider, operation}
//   - auth.provider.api.errors{provider, operation, error_type}
//
// # Example span structure
//
//	auth.exchange
//	├── storage.consume_challenge
//	├── provider.google.exchange_code
//	├── provider.google.fetch_user_info
//	└── identity.resolve_or_create
//
// # Performance
//
// When disabled (Config.Enabled false) the package hands out no-op providers:
// no allocations, no latency impact. All operations are safe for concurrent
// use.
//
// # Security Considerations
//
// Never record actual secret values (access tokens, refresh tokens,
// authorization codes, code verifiers, client secrets) in traces or metrics.
// Only metadata is recorded: outcomes, stages, classes, durations. Traces
// persist longer and reach wider audiences than server logs.
//
// Client IPs double as quota identifiers and may be PII under GDPR and
// similar regulations; they are only attached to telemetry when
// Config.LogClientIPs is set.
package instrumentation
