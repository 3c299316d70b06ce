package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/hallpass-io/desktop-oauth/identity"
	"github.com/hallpass-io/desktop-oauth/providers"
	providermock "github.com/hallpass-io/desktop-oauth/providers/mock"
	"github.com/hallpass-io/desktop-oauth/quota"
	"github.com/hallpass-io/desktop-oauth/storage"
	"github.com/hallpass-io/desktop-oauth/storage/memory"
	storagemock "github.com/hallpass-io/desktop-oauth/storage/mock"
)

// stubIdentityService resolves every profile to a fixed identity.
type stubIdentityService struct {
	resolveFunc func(ctx context.Context, profile *identity.Profile) (*identity.Identity, error)
	calls       int
}

func (s *stubIdentityService) ResolveOrCreate(ctx context.Context, profile *identity.Profile) (*identity.Identity, error) {
	s.calls++
	if s.resolveFunc != nil {
		return s.resolveFunc(ctx, profile)
	}
	return &identity.Identity{
		ID:          "identity-1",
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Provider:    profile.Provider,
	}, nil
}

// stubSessionMinter mints a fixed session token.
type stubSessionMinter struct {
	mintFunc func(ctx context.Context, ident *identity.Identity) (string, error)
	calls    int
}

func (s *stubSessionMinter) MintSession(ctx context.Context, ident *identity.Identity) (string, error) {
	s.calls++
	if s.mintFunc != nil {
		return s.mintFunc(ctx, ident)
	}
	return "session-token-for-" + ident.ID, nil
}

// testServerSetup bundles a flow engine with its collaborators for tests
type testServerSetup struct {
	server     *Server
	provider   *providermock.MockProvider
	store      *memory.Store
	identities *stubIdentityService
	sessions   *stubSessionMinter
}

// newTestServerSetup creates a flow engine over a mock provider, an
// in-memory store and stub identity collaborators.
func newTestServerSetup(t *testing.T) *testServerSetup {
	t.Helper()
	return newTestServerSetupWithConfig(t, &Config{})
}

func newTestServerSetupWithConfig(t *testing.T, config *Config) *testServerSetup {
	t.Helper()

	provider := providermock.NewMockProvider()
	store := memory.New()
	t.Cleanup(store.Stop)

	limiter, err := quota.NewLimiter(store, quota.DefaultClasses(), slog.Default())
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}

	identities := &stubIdentityService{}
	sessions := &stubSessionMinter{}

	srv, err := New(provider, store, limiter, identities, sessions, config, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &testServerSetup{
		server:     srv,
		provider:   provider,
		store:      store,
		identities: identities,
		sessions:   sessions,
	}
}

// issueForExchange runs a full issuance and returns its state and verifier
func (ts *testServerSetup) issueForExchange(t *testing.T, requesterID string) *IssuedAuthorization {
	t.Helper()
	issued, err := ts.server.IssueAuthorizationURL(context.Background(), "", requesterID)
	if err != nil {
		t.Fatalf("IssueAuthorizationURL failed: %v", err)
	}
	return issued
}

func validExchangeInput(issued *IssuedAuthorization, requesterID string) *ExchangeInput {
	return &ExchangeInput{
		Code:         "upstream-code",
		State:        issued.State,
		CodeVerifier: issued.CodeVerifier,
		RequesterID:  requesterID,
	}
}

// ============================================================
// IssueAuthorizationURL
// ============================================================

func TestIssueAuthorizationURL(t *testing.T) {
	ts := newTestServerSetup(t)

	issued, err := ts.server.IssueAuthorizationURL(context.Background(), "", "198.51.100.7")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL failed: %v", err)
	}

	if issued.AuthorizationURL == "" {
		t.Error("Expected a non-empty authorization URL")
	}
	if !strings.Contains(issued.AuthorizationURL, "state="+issued.State) {
		t.Error("authorization URL does not carry the issued state")
	}
	if len(issued.State) < 40 || len(issued.State) > 50 {
		t.Errorf("state length = %d, want within [40, 50]", len(issued.State))
	}
	if len(issued.CodeVerifier) < 40 || len(issued.CodeVerifier) > 50 {
		t.Errorf("verifier length = %d, want within [40, 50]", len(issued.CodeVerifier))
	}
	if issued.State == issued.CodeVerifier {
		t.Error("state and verifier must be independent draws")
	}
	if got := ts.provider.GetCallCount("AuthorizationURL"); got != 1 {
		t.Errorf("AuthorizationURL provider calls = %d, want 1", got)
	}
}

func TestIssueAuthorizationURL_FreshStatePerCall(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	first, err := ts.server.IssueAuthorizationURL(ctx, "", "198.51.100.7")
	if err != nil {
		t.Fatalf("first issue failed: %v", err)
	}
	second, err := ts.server.IssueAuthorizationURL(ctx, "", "198.51.100.7")
	if err != nil {
		t.Fatalf("second issue failed: %v", err)
	}

	if first.State == second.State {
		t.Error("two issuances shared a state")
	}
	if first.CodeVerifier == second.CodeVerifier {
		t.Error("two issuances shared a verifier")
	}
}

func TestIssueAuthorizationURL_CustomRedirectURI(t *testing.T) {
	ts := newTestServerSetup(t)

	var gotRedirect string
	ts.provider.AuthorizationURLFunc = func(redirectURI, state, codeChallenge string) string {
		gotRedirect = redirectURI
		return "https://upstream.example.com/auth?state=" + state
	}

	_, err := ts.server.IssueAuthorizationURL(context.Background(), "http://localhost:9123/cb", "198.51.100.7")
	if err != nil {
		t.Fatalf("IssueAuthorizationURL failed: %v", err)
	}
	if gotRedirect != "http://localhost:9123/cb" {
		t.Errorf("provider got redirect %q, want %q", gotRedirect, "http://localhost:9123/cb")
	}
}

func TestIssueAuthorizationURL_RejectsBadRedirect(t *testing.T) {
	ts := newTestServerSetup(t)

	_, err := ts.server.IssueAuthorizationURL(context.Background(), "http://example.com/cb", "198.51.100.7")
	if !errors.Is(err, ErrInvalidRedirectURI) {
		t.Errorf("error = %v, want ErrInvalidRedirectURI", err)
	}
	if got := ts.provider.GetCallCount("AuthorizationURL"); got != 0 {
		t.Errorf("provider called %d times for a rejected redirect", got)
	}
}

func TestIssueAuthorizationURL_QuotaCeiling(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	// Default get-url ceiling: 10 calls per window. Calls 1 through 10
	// succeed, the 11th is rejected, another requester is unaffected.
	for i := 1; i <= 10; i++ {
		if _, err := ts.server.IssueAuthorizationURL(ctx, "", "saturated"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	_, err := ts.server.IssueAuthorizationURL(ctx, "", "saturated")
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("11th call error = %v, want *quota.ExceededError", err)
	}
	if exceeded.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", exceeded.RetryAfter)
	}

	if _, err := ts.server.IssueAuthorizationURL(ctx, "", "some-other-caller"); err != nil {
		t.Errorf("other requester rejected: %v", err)
	}
}

// ============================================================
// ExchangeCode
// ============================================================

func TestExchangeCode(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	issued := ts.issueForExchange(t, "198.51.100.7")
	result, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	if result.SessionToken != "session-token-for-identity-1" {
		t.Errorf("SessionToken = %q", result.SessionToken)
	}
	if result.AccessToken != "mock-access-token" {
		t.Errorf("AccessToken = %q, want %q", result.AccessToken, "mock-access-token")
	}
	if result.ExpiresIn <= 0 {
		t.Errorf("ExpiresIn = %d, want > 0", result.ExpiresIn)
	}
	if result.Identity == nil || result.Identity.Email != "mock@example.com" {
		t.Errorf("Identity = %+v, want email mock@example.com", result.Identity)
	}
	if ts.identities.calls != 1 {
		t.Errorf("ResolveOrCreate calls = %d, want 1", ts.identities.calls)
	}
	if ts.sessions.calls != 1 {
		t.Errorf("MintSession calls = %d, want 1", ts.sessions.calls)
	}
}

func TestExchangeCode_SingleUse(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	issued := ts.issueForExchange(t, "198.51.100.7")
	input := validExchangeInput(issued, "198.51.100.7")

	if _, err := ts.server.ExchangeCode(ctx, input); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	// Replaying the redeemed (code, state) pair fails deterministically
	_, err := ts.server.ExchangeCode(ctx, input)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("replay error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCode_UnknownState(t *testing.T) {
	ts := newTestServerSetup(t)

	input := &ExchangeInput{
		Code:         "upstream-code",
		State:        strings.Repeat("a", 43),
		CodeVerifier: strings.Repeat("b", 43),
		RequesterID:  "198.51.100.7",
	}
	_, err := ts.server.ExchangeCode(context.Background(), input)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
	if got := ts.provider.GetCallCount("ExchangeCode"); got != 0 {
		t.Errorf("upstream called %d times for an unknown state", got)
	}
}

func TestExchangeCode_VerifierMismatchConsumesChallenge(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	issued := ts.issueForExchange(t, "198.51.100.7")

	wrong := validExchangeInput(issued, "198.51.100.7")
	wrong.CodeVerifier = strings.Repeat("x", 43)
	_, err := ts.server.ExchangeCode(ctx, wrong)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("mismatch error = %v, want ErrInvalidGrant", err)
	}

	// The mismatch burned the challenge: the correct verifier no longer works
	_, err = ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("retry after mismatch error = %v, want ErrInvalidGrant", err)
	}
	if got := ts.provider.GetCallCount("ExchangeCode"); got != 0 {
		t.Errorf("upstream called %d times, want 0", got)
	}
}

func TestExchangeCode_ExpiredChallenge(t *testing.T) {
	ts := newTestServerSetupWithConfig(t, &Config{ChallengeTTL: time.Nanosecond})
	ctx := context.Background()

	issued := ts.issueForExchange(t, "198.51.100.7")
	time.Sleep(10 * time.Millisecond)

	_, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expired challenge error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCode_ShapeValidation(t *testing.T) {
	provider := providermock.NewMockProvider()
	challenges := storagemock.NewMockChallengeStore()
	quotas := storagemock.NewMockQuotaStore()
	limiter, err := quota.NewLimiter(quotas, quota.DefaultClasses(), slog.Default())
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	srv, err := New(provider, challenges, limiter, &stubIdentityService{}, &stubSessionMinter{}, &Config{}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	valid := strings.Repeat("a", 43)
	tests := []struct {
		name  string
		input *ExchangeInput
	}{
		{"missing code", &ExchangeInput{State: valid, CodeVerifier: valid, RequesterID: "ip"}},
		{"missing state", &ExchangeInput{Code: "c", CodeVerifier: valid, RequesterID: "ip"}},
		{"short state", &ExchangeInput{Code: "c", State: "short", CodeVerifier: valid, RequesterID: "ip"}},
		{"long state", &ExchangeInput{Code: "c", State: strings.Repeat("a", 51), CodeVerifier: valid, RequesterID: "ip"}},
		{"state bad charset", &ExchangeInput{Code: "c", State: strings.Repeat("a", 42) + "!", CodeVerifier: valid, RequesterID: "ip"}},
		{"missing verifier", &ExchangeInput{Code: "c", State: valid, RequesterID: "ip"}},
		{"short verifier", &ExchangeInput{Code: "c", State: valid, CodeVerifier: "short", RequesterID: "ip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.ExchangeCode(ctx, tt.input)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}

	// Shape rejections never reach the store
	if got := challenges.CallCounts["ConsumeChallenge"]; got != 0 {
		t.Errorf("store consume calls = %d, want 0", got)
	}
}

func TestExchangeCode_UpstreamRejection(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	ts.provider.ExchangeCodeFunc = func(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	issued := ts.issueForExchange(t, "198.51.100.7")
	_, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCode_UpstreamUnavailable(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	ts.provider.ExchangeCodeFunc = func(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}

	issued := ts.issueForExchange(t, "198.51.100.7")
	_, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestExchangeCode_UnverifiedEmail(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	ts.provider.FetchUserInfoFunc = func(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
		return &providers.UserInfo{
			ID:            "sub-1",
			Email:         "unverified@example.com",
			EmailVerified: false,
		}, nil
	}

	issued := ts.issueForExchange(t, "198.51.100.7")
	_, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("error = %v, want ErrAccessDenied", err)
	}
	if ts.identities.calls != 0 {
		t.Errorf("ResolveOrCreate calls = %d, want 0 for unverified email", ts.identities.calls)
	}
	if ts.sessions.calls != 0 {
		t.Errorf("MintSession calls = %d, want 0", ts.sessions.calls)
	}
}

func TestExchangeCode_MintFailure(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	ts.sessions.mintFunc = func(ctx context.Context, ident *identity.Identity) (string, error) {
		return "", fmt.Errorf("signing key unavailable")
	}

	issued := ts.issueForExchange(t, "198.51.100.7")
	if _, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7")); err == nil {
		t.Error("Expected error when session minting fails")
	}
}

func TestExchangeCode_QuotaCeiling(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	// Default exchange-code ceiling: 5 calls per window. Exhaust it with
	// unknown states, then verify the 6th call is a quota rejection.
	input := &ExchangeInput{
		Code:         "upstream-code",
		State:        strings.Repeat("a", 43),
		CodeVerifier: strings.Repeat("b", 43),
		RequesterID:  "saturated",
	}
	for i := 0; i < 5; i++ {
		if _, err := ts.server.ExchangeCode(ctx, input); !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("setup call %d error = %v, want ErrInvalidGrant", i, err)
		}
	}

	_, err := ts.server.ExchangeCode(ctx, input)
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Errorf("6th call error = %v, want *quota.ExceededError", err)
	}
}

// ============================================================
// RefreshToken
// ============================================================

func TestRefreshToken(t *testing.T) {
	ts := newTestServerSetup(t)

	result, err := ts.server.RefreshToken(context.Background(), "stored-refresh-token", "198.51.100.7")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if result.AccessToken != "new-mock-access-token" {
		t.Errorf("AccessToken = %q, want %q", result.AccessToken, "new-mock-access-token")
	}
	if result.ExpiresIn <= 0 {
		t.Errorf("ExpiresIn = %d, want > 0", result.ExpiresIn)
	}
}

func TestRefreshToken_EmptyToken(t *testing.T) {
	ts := newTestServerSetup(t)

	_, err := ts.server.RefreshToken(context.Background(), "", "198.51.100.7")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestRefreshToken_UpstreamRejection(t *testing.T) {
	ts := newTestServerSetup(t)

	ts.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	_, err := ts.server.RefreshToken(context.Background(), "revoked-token", "198.51.100.7")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshToken_UpstreamUnavailable(t *testing.T) {
	ts := newTestServerSetup(t)

	ts.provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, fmt.Errorf("context deadline exceeded")
	}

	_, err := ts.server.RefreshToken(context.Background(), "stored-refresh-token", "198.51.100.7")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestRefreshToken_QuotaCeiling(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	// Default refresh ceiling: 20 calls per window
	for i := 0; i < 20; i++ {
		if _, err := ts.server.RefreshToken(ctx, "stored-refresh-token", "saturated"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	_, err := ts.server.RefreshToken(ctx, "stored-refresh-token", "saturated")
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Errorf("21st call error = %v, want *quota.ExceededError", err)
	}
}

func TestQuotaFailOpen(t *testing.T) {
	provider := providermock.NewMockProvider()
	store := memory.New()
	t.Cleanup(store.Stop)

	quotas := storagemock.NewMockQuotaStore()
	quotas.CheckAndRecordFunc = func(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error) {
		return nil, fmt.Errorf("quota backend unreachable")
	}
	limiter, err := quota.NewLimiter(quotas, quota.DefaultClasses(), slog.Default())
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}

	srv, err := New(provider, store, limiter, &stubIdentityService{}, &stubSessionMinter{}, &Config{}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// A broken quota backend degrades availability of limiting, never
	// of the flow itself.
	if _, err := srv.IssueAuthorizationURL(context.Background(), "", "198.51.100.7"); err != nil {
		t.Errorf("IssueAuthorizationURL failed under quota outage: %v", err)
	}
	if _, err := srv.RefreshToken(context.Background(), "stored-refresh-token", "198.51.100.7"); err != nil {
		t.Errorf("RefreshToken failed under quota outage: %v", err)
	}
}

// ============================================================
// Retry safety
// ============================================================

func TestConcurrentExchange_ExactlyOneWins(t *testing.T) {
	ts := newTestServerSetup(t)
	ctx := context.Background()

	issued := ts.issueForExchange(t, "198.51.100.7")

	const racers = 4
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := ts.server.ExchangeCode(ctx, validExchangeInput(issued, "198.51.100.7"))
			errs <- err
		}()
	}

	var successes, invalidGrants int
	for i := 0; i < racers; i++ {
		err := <-errs
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInvalidGrant):
			invalidGrants++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if invalidGrants != racers-1 {
		t.Errorf("invalid grants = %d, want %d", invalidGrants, racers-1)
	}
}
