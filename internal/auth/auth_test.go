package auth_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/llmweaver/llmweaver/internal/auth"
	"github.com/llmweaver/llmweaver/internal/cache"
	"github.com/llmweaver/llmweaver/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateKeyShape(t *testing.T) {
	key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(key, auth.KeyPrefix) {
		t.Fatalf("key %q missing prefix %q", key, auth.KeyPrefix)
	}
	random := key[len(auth.KeyPrefix):]
	if len(random) != 32 {
		t.Fatalf("random part length = %d, want 32", len(random))
	}
	for _, c := range random {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum {
			t.Fatalf("non-alphanumeric character %q in key", c)
		}
	}

	// Two keys must differ.
	other, _ := auth.GenerateKey()
	if key == other {
		t.Fatal("two generated keys are identical")
	}
}

func TestHashAndVerifyRoundTrip(t *testing.T) {
	key, _ := auth.GenerateKey()
	hash, err := auth.HashKey(key)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	if hash == key {
		t.Fatal("hash must not equal the plaintext key")
	}
	if !auth.VerifyKey(key, hash) {
		t.Fatal("VerifyKey rejected its own hash")
	}
	if auth.VerifyKey(key+"x", hash) {
		t.Fatal("VerifyKey accepted a tampered key")
	}
}

func TestMaskKey(t *testing.T) {
	key := "sk-llmweaver-abcdefghijklmnopqrstuvwxyz123456"
	masked := auth.MaskKey(key)

	if !strings.HasPrefix(masked, key[:12]) {
		t.Fatalf("mask %q should keep the first 12 characters", masked)
	}
	if !strings.HasSuffix(masked, key[len(key)-4:]) {
		t.Fatalf("mask %q should keep the last 4 characters", masked)
	}
	if len(masked) != len(key) {
		t.Fatalf("mask length = %d, want %d", len(masked), len(key))
	}
	if strings.Contains(masked[12:len(masked)-4], "a") {
		t.Fatalf("middle of mask %q should be stars only", masked)
	}

	if got := auth.MaskKey("short"); got != "*****" {
		t.Fatalf("short keys must be fully starred, got %q", got)
	}
}

func seedCredential(t *testing.T, s *store.Memory, id int64) string {
	t.Helper()
	key, err := auth.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	s.AddCredential(&store.CallerCredential{
		ID: id, OwnerID: id * 10, Name: "test", KeyHash: hash, Status: store.StatusActive,
	})
	return key
}

func TestAuthenticateValidKey(t *testing.T) {
	s := store.NewMemory()
	key := seedCredential(t, s, 1)
	a := auth.New(s, nil, quietLogger())

	cred, err := a.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if cred.ID != 1 || cred.OwnerID != 10 {
		t.Fatalf("wrong credential resolved: %+v", cred)
	}
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	s := store.NewMemory()
	_ = seedCredential(t, s, 1)
	a := auth.New(s, nil, quietLogger())

	cases := []string{
		"",
		"not-a-key",
		"sk-llmweaver-short",
		auth.KeyPrefix + strings.Repeat("A", 32), // well-formed, unknown
	}
	for _, key := range cases {
		if _, err := a.Authenticate(context.Background(), key); err == nil {
			t.Fatalf("key %q should be rejected", key)
		}
	}
}

func TestAuthenticateRejectsInactiveCredential(t *testing.T) {
	s := store.NewMemory()
	key := seedCredential(t, s, 1)

	cred, _ := s.Credential(context.Background(), 1)
	cred.Status = store.StatusInactive
	s.AddCredential(cred)

	a := auth.New(s, nil, quietLogger())
	if _, err := a.Authenticate(context.Background(), key); err == nil {
		t.Fatal("inactive credential should be rejected")
	}
}

func TestAuthenticateUsesCacheButRevalidatesStatus(t *testing.T) {
	s := store.NewMemory()
	key := seedCredential(t, s, 1)
	c := cache.NewMemoryCache(context.Background())
	defer c.Close()

	a := auth.New(s, c, quietLogger())

	// First call performs the bcrypt scan and populates the cache.
	if _, err := a.Authenticate(context.Background(), key); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	// Cached path.
	cred, err := a.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}
	if cred.ID != 1 {
		t.Fatalf("cached path resolved wrong credential: %+v", cred)
	}

	// Revoking the credential must take effect despite the cache.
	cred.Status = store.StatusInactive
	s.AddCredential(cred)
	if _, err := a.Authenticate(context.Background(), key); err == nil {
		t.Fatal("revoked credential should be rejected even when cached")
	}
}
