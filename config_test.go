package oauth

import (
	"bytes"
	"testing"

	providermock "github.com/hallpass-io/desktop-oauth/providers/mock"
)

func testMasterSecret() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func testConfig() Config {
	return Config{
		GoogleAuth: GoogleAuthConfig{
			ClientID:     "client-id.apps.googleusercontent.com",
			ClientSecret: "client-secret",
		},
		Security: SecurityConfig{MasterSecret: testMasterSecret()},
	}
}

func TestNew(t *testing.T) {
	svc, err := New(testConfig(), Dependencies{Identity: fixedIdentityService{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	if svc.Server() == nil {
		t.Error("Server() returned nil")
	}
	if svc.Handler() == nil {
		t.Error("Handler() returned nil")
	}
	if got := svc.Server().Provider().Name(); got != "google" {
		t.Errorf("default provider = %q, want google", got)
	}
}

func TestNew_RequiresIdentityService(t *testing.T) {
	_, err := New(testConfig(), Dependencies{})
	if err == nil {
		t.Fatal("Expected error when no identity service is supplied")
	}
}

func TestNew_RejectsShortMasterSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MasterSecret = []byte("too-short")

	_, err := New(cfg, Dependencies{Identity: fixedIdentityService{}})
	if err == nil {
		t.Fatal("Expected error for a short master secret")
	}
}

func TestNew_RequiresProviderCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.GoogleAuth = GoogleAuthConfig{}

	_, err := New(cfg, Dependencies{Identity: fixedIdentityService{}})
	if err == nil {
		t.Fatal("Expected error when no provider and no credentials are supplied")
	}
}

func TestNew_CustomProviderSkipsCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.GoogleAuth = GoogleAuthConfig{}

	svc, err := New(cfg, Dependencies{
		Identity: fixedIdentityService{},
		Provider: providermock.NewMockProvider(),
	})
	if err != nil {
		t.Fatalf("New failed with a custom provider: %v", err)
	}
	defer svc.Close()
}

func TestNew_SecureDefaultsEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Security.EncryptChallenges = true
	cfg.Security.EnableAuditLogging = true

	svc, err := New(cfg, Dependencies{
		Identity: fixedIdentityService{},
		Provider: providermock.NewMockProvider(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	srv := svc.Server()
	if srv.Encryptor == nil {
		t.Error("EncryptChallenges did not install an encryptor")
	}
	if srv.Auditor == nil {
		t.Error("EnableAuditLogging did not install an auditor")
	}
	if srv.SecurityEventRateLimiter == nil {
		t.Error("EnableAuditLogging did not install an audit throttle")
	}
}

func TestService_Close(t *testing.T) {
	svc, err := New(testConfig(), Dependencies{
		Identity: fixedIdentityService{},
		Provider: providermock.NewMockProvider(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	svc.Close()
	// Stopping an already stopped service-owned store is safe
	svc.Close()
}
