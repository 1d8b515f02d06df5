package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	dbpkg "cpapsync/internal/db"
	httpctx "cpapsync/internal/http/ctx"
)

// KeyStore resolves the public prefix of a bearer token to its key record.
type KeyStore interface {
	LookupKey(prefix string) (*dbpkg.APIKey, error)
}

// Verified tokens are cached so bcrypt runs once per token, not per request.
// A key deactivated in the database keeps working for up to verifiedTTL.
const verifiedTTL = time.Minute

// NewTokenCache returns the cache BearerAuth keeps verified tokens in.
func NewTokenCache() *cache.Cache {
	return cache.New(verifiedTTL, 5*time.Minute)
}

// cacheKey is the SHA-256 of a token; plaintext tokens never sit in memory
// past the request.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func unauthorized(ctx *fasthttp.RequestCtx, msg string) {
	writeAuthError(ctx, fasthttp.StatusUnauthorized, "unauthorized", msg)
}

func writeAuthError(ctx *fasthttp.RequestCtx, status int, kind, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{"error": kind, "message": msg})
	ctx.SetBody(body)
}

// BearerAuth validates "Authorization: Bearer <prefix>.<secret>" headers
// against keys. A nil keys disables authentication. Revoking a key takes
// effect once its cache entry expires, at most verifiedTTL later.
func BearerAuth(keys KeyStore, verified *cache.Cache, log *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if keys == nil {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler { return next }
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			auth := ctx.Request.Header.Peek("Authorization")
			if len(auth) == 0 {
				unauthorized(ctx, "missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !bytes.HasPrefix(auth, []byte(prefix)) {
				unauthorized(ctx, "invalid Authorization header")
				return
			}

			token := strings.TrimSpace(string(auth[len(prefix):]))
			if token == "" {
				unauthorized(ctx, "empty bearer token")
				return
			}

			cached := cacheKey(token)
			if v, ok := verified.Get(cached); ok {
				httpctx.SetAPIKey(ctx, v.(*dbpkg.APIKey))
				next(ctx)
				return
			}

			keyPrefix, secret, err := dbpkg.SplitToken(token)
			if err != nil {
				unauthorized(ctx, "malformed bearer token")
				return
			}
			apiKey, err := keys.LookupKey(keyPrefix)
			if err != nil {
				if errors.Is(err, dbpkg.ErrKeyNotFound) {
					unauthorized(ctx, "invalid API key")
					return
				}
				log.Error("api key lookup failed", zap.Error(err))
				writeAuthError(ctx, fasthttp.StatusServiceUnavailable, "storage_unavailable", "key lookup failed")
				return
			}
			if !apiKey.Verify(secret) {
				unauthorized(ctx, "invalid API key")
				return
			}

			verified.SetDefault(cached, apiKey)
			httpctx.SetAPIKey(ctx, apiKey)
			next(ctx)
		}
	}
}

// RequireRole rejects requests whose key has none of roles. Admin keys are
// always let through. Requests without a key on the context pass, which is
// the case when authentication is disabled.
func RequireRole(roles ...string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			key, ok := httpctx.APIKeyFromCtx(ctx)
			if !ok || key == nil {
				next(ctx)
				return
			}
			if key.Role != dbpkg.RoleAdmin && !slices.Contains(roles, key.Role) {
				writeAuthError(ctx, fasthttp.StatusForbidden, "forbidden", "role "+key.Role+" may not call this endpoint")
				return
			}
			next(ctx)
		}
	}
}
