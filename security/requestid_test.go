package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == "" || id2 == "" {
		t.Fatal("GenerateRequestID() returned empty ID")
	}
	if id1 == id2 {
		t.Error("GenerateRequestID() should return distinct IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("generated ID %q is not a UUID: %v", id1, err)
	}
	if !isValidRequestID(id1) {
		t.Errorf("generated ID %q fails its own validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")

	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("GetRequestID() = %q, want req-abc-123", got)
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{"alphanumeric", "abc123", true},
		{"hyphens", "request-id-123", true},
		{"underscores", "request_id_123", true},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", true},
		{"single char", "a", true},
		{"max length 128", strings.Repeat("a", 128), true},

		{"empty", "", false},
		{"length 129", strings.Repeat("a", 129), false},
		{"newline injection", "id123\nmalicious", false},
		{"carriage return injection", "id123\rmalicious", false},
		{"space", "id 123", false},
		{"null byte", "id\x00123", false},
		{"equals sign", "id=123", false},
		{"slash", "id/123", false},
		{"dot", "id.123", false},
		{"angle brackets", "<script>alert(1)</script>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{"generates when absent", "", false},
		{"keeps well-formed upstream ID", "upstream-request-id-xyz", true},
		{"replaces ID with spaces", "id with spaces", false},
		{"replaces oversized ID", strings.Repeat("a", 200), false},
		{"replaces ID with markup", "<script>alert(1)</script>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seenID string
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenID = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/auth/url", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()

			RequestIDMiddleware(inner).ServeHTTP(rec, req)

			responseID := rec.Header().Get(RequestIDHeader)
			if responseID == "" {
				t.Fatal("response is missing X-Request-ID")
			}
			if seenID != responseID {
				t.Errorf("context ID %q differs from response header %q", seenID, responseID)
			}

			if tt.keep {
				if seenID != tt.upstream {
					t.Errorf("upstream ID %q was replaced with %q", tt.upstream, seenID)
				}
			} else {
				if seenID == tt.upstream {
					t.Errorf("malformed upstream ID %q was kept", tt.upstream)
				}
				if _, err := uuid.Parse(seenID); err != nil {
					t.Errorf("replacement ID %q is not a UUID: %v", seenID, err)
				}
			}
		})
	}
}

func TestRequestIDMiddleware_SameIDThroughout(t *testing.T) {
	var ids []string

	record := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, GetRequestID(r.Context()))
	})

	wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record.ServeHTTP(w, r)
		record.ServeHTTP(w, r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/exchange", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if len(ids) != 2 {
		t.Fatalf("captured %d IDs, want 2", len(ids))
	}
	if ids[0] != ids[1] || ids[0] == "" {
		t.Errorf("request ID should be stable across handlers: %q vs %q", ids[0], ids[1])
	}
}
