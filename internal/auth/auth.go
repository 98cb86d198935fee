package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/llmweaver/llmweaver/internal/cache"
	"github.com/llmweaver/llmweaver/internal/store"
)

// ErrInvalidKey is returned for missing, malformed, revoked, or unknown
// credentials. The caller maps it to HTTP 401.
var ErrInvalidKey = errors.New("auth: invalid api key")

// cacheTTL bounds how long a verified key → credential-id mapping is
// reused before the bcrypt scan runs again.
const cacheTTL = 5 * time.Minute

// Authenticator resolves presented API keys to caller credentials.
//
// bcrypt verification is deliberately slow, so verified keys are cached by
// SHA-256 digest. The cache stores only the credential id; the credential
// itself is re-read per request so status and budget stay fresh.
type Authenticator struct {
	creds store.CredentialStore
	cache cache.Cache // nil disables caching
	log   *slog.Logger
}

// New creates an Authenticator. cache may be nil.
func New(creds store.CredentialStore, c cache.Cache, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{creds: creds, cache: c, log: log}
}

// Authenticate resolves a presented bearer token to an active credential.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*store.CallerCredential, error) {
	if len(presented) != len(KeyPrefix)+randomPartLen || presented[:len(KeyPrefix)] != KeyPrefix {
		return nil, ErrInvalidKey
	}

	cacheKey := "auth:" + digest(presented)

	if a.cache != nil {
		if raw, ok := a.cache.Get(ctx, cacheKey); ok {
			if id, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				cred, err := a.creds.Credential(ctx, id)
				if err == nil && cred != nil && cred.Status == store.StatusActive {
					return cred, nil
				}
			}
		}
	}

	creds, err := a.creds.Credentials(ctx)
	if err != nil {
		a.log.Error("credential_scan_failed", slog.String("error", err.Error()))
		return nil, ErrInvalidKey
	}

	for _, cred := range creds {
		if cred.Status != store.StatusActive {
			continue
		}
		if !VerifyKey(presented, cred.KeyHash) {
			continue
		}
		if a.cache != nil {
			_ = a.cache.Set(ctx, cacheKey, []byte(strconv.FormatInt(cred.ID, 10)), cacheTTL)
		}
		return cred, nil
	}

	return nil, ErrInvalidKey
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
