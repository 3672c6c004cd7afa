// Package pushhandler is the Push Handler (C8): verifies signed provider
// callbacks and turns them into queued Ingest calls, per §4.8 and §6.
package pushhandler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"aisync/internal/config"
	"aisync/internal/domain"
	"aisync/internal/logging"
	"aisync/internal/providers"
)

// recentItemsBudget bounds the "recent-items" poll used to materialise
// concrete ids from an opaque history pointer, per §4.8.
const recentItemsBudget = 10 * time.Second

// jwksCacheTTL avoids refetching the provider's JWKS on every callback.
const jwksCacheTTL = 1 * time.Hour

// ErrBackPressure mirrors ingestqueue.ErrBackPressure, which is what the
// queue returns when its high-water mark is exceeded; nothing in this
// package returns it. Both wrap domain.ErrTransient, which callers map to
// HTTP 503 so the provider retries later.
var ErrBackPressure = fmt.Errorf("%w: ingest queue saturated", domain.ErrTransient)

// EnqueueFunc schedules an Ingest without blocking the caller.
type EnqueueFunc func(ctx context.Context, user domain.User, source domain.Source, sourceID string) error

// UserResolver maps a provider-reported email address to the owning User.
type UserResolver interface {
	ResolveByMailAddress(ctx context.Context, address string) (domain.User, error)
}

// jwksFetcher retrieves the provider's current JSON Web Key Set; the
// production implementation does an HTTP GET against cfg.JWKSURL.
type jwksFetcher interface {
	FetchJWKS(ctx context.Context) (jose.JSONWebKeySet, error)
}

// historyPayload is the JSON shape of an opaque-pointer callback body.
type historyPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// Handler verifies and dispatches push callbacks for one source.
type Handler struct {
	source   domain.Source
	cfg      config.PushConfig
	adapter  providers.Adapter
	resolver UserResolver
	enqueue  EnqueueFunc
	fetcher  jwksFetcher

	mu        sync.Mutex
	jwksCache jose.JSONWebKeySet
	fetchedAt time.Time
}

// New builds a Handler for one provider source.
func New(source domain.Source, cfg config.PushConfig, adapter providers.Adapter, resolver UserResolver, enqueue EnqueueFunc) *Handler {
	return &Handler{
		source:   source,
		cfg:      cfg,
		adapter:  adapter,
		resolver: resolver,
		enqueue:  enqueue,
		fetcher:  &httpJWKSFetcher{url: cfg.JWKSURL},
	}
}

// newWithFetcher is used by tests to inject a fake jwksFetcher.
func newWithFetcher(source domain.Source, cfg config.PushConfig, adapter providers.Adapter, resolver UserResolver, enqueue EnqueueFunc, fetcher jwksFetcher) *Handler {
	return &Handler{source: source, cfg: cfg, adapter: adapter, resolver: resolver, enqueue: enqueue, fetcher: fetcher}
}

// HandleCallback verifies bearerToken and body, then enqueues one Ingest
// per affected item. It returns quickly: the Ingest itself runs
// asynchronously via enqueue. Per §7, callers should map every returned
// error to an HTTP 200 except a transient one such as the queue's
// back-pressure error (503), so the provider does not spuriously retry a
// callback whose signature we rejected.
func (h *Handler) HandleCallback(ctx context.Context, bearerToken string, body []byte) error {
	log := logging.ForComponent(ctx, "pushhandler")

	if err := h.verify(ctx, bearerToken); err != nil {
		log.Warn().Err(err).Str("source", string(h.source)).Msg("push_signature_rejected")
		return fmt.Errorf("%w: verify push callback: %w", domain.ErrAuth, err)
	}

	address, historyID, concreteID, isConcrete := decodePayload(body)

	if isConcrete {
		user, err := h.userForPayload(ctx, address)
		if err != nil {
			return err
		}
		return h.enqueueOne(ctx, user, concreteID)
	}

	user, err := h.resolver.ResolveByMailAddress(ctx, address)
	if err != nil {
		log.Warn().Err(err).Str("address", address).Msg("push_user_resolve_failed")
		return fmt.Errorf("%w: resolve user for push callback: %w", domain.ErrFatal, err)
	}

	ids, err := h.materialiseRecentIDs(ctx, user, historyID)
	if err != nil {
		return fmt.Errorf("%w: materialise recent items: %w", domain.ErrTransient, err)
	}
	for _, id := range ids {
		if err := h.enqueueOne(ctx, user, id); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) userForPayload(ctx context.Context, address string) (domain.User, error) {
	if address == "" {
		return domain.User{}, fmt.Errorf("%w: concrete-id payload carries no user address", domain.ErrFatal)
	}
	return h.resolver.ResolveByMailAddress(ctx, address)
}

func (h *Handler) enqueueOne(ctx context.Context, user domain.User, sourceID string) error {
	if err := h.enqueue(ctx, user, h.source, sourceID); err != nil {
		return err
	}
	return nil
}

// materialiseRecentIDs runs a short bounded poll against the adapter's
// current cursor to turn an opaque history pointer into concrete ids.
func (h *Handler) materialiseRecentIDs(ctx context.Context, user domain.User, historyID string) ([]string, error) {
	boundedCtx, cancel := context.WithTimeout(ctx, recentItemsBudget)
	defer cancel()
	changed, _, err := h.adapter.Poll(boundedCtx, user, domain.SyncCursor{OwnerID: user.ID, Source: h.source, Token: historyID})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// decodePayload distinguishes the two callback shapes per §6: a JSON
// object is tried first; anything else is base64url-decoded and treated as
// a concrete provider-native item id.
func decodePayload(body []byte) (address, historyID, concreteID string, isConcrete bool) {
	var payload historyPayload
	if err := json.Unmarshal(body, &payload); err == nil && (payload.EmailAddress != "" || payload.HistoryID != "") {
		return payload.EmailAddress, payload.HistoryID, "", false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		decoded = body
	}
	return "", "", string(decoded), true
}

// verify checks bearerToken is a valid RS256 JWT signed by a key in the
// provider's JWKS, with the configured audience and issuer, per §6.
func (h *Handler) verify(ctx context.Context, bearerToken string) error {
	token := strings.TrimPrefix(strings.TrimSpace(bearerToken), "Bearer ")
	if token == "" {
		return fmt.Errorf("missing bearer token")
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return fmt.Errorf("parse signed token: %w", err)
	}

	jwks, err := h.jwks(ctx)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	headers := tok.Headers
	if len(headers) == 0 {
		return fmt.Errorf("token carries no headers")
	}
	kid := headers[0].KeyID
	keys := jwks.Key(kid)
	if len(keys) == 0 {
		return fmt.Errorf("no matching key for kid %q", kid)
	}

	var claims jwt.Claims
	var lastErr error
	verified := false
	for _, key := range keys {
		if err := tok.Claims(key.Key, &claims); err != nil {
			lastErr = err
			continue
		}
		verified = true
		break
	}
	if !verified {
		return fmt.Errorf("signature verification failed: %w", lastErr)
	}

	expected := jwt.Expected{
		Issuer:   h.cfg.Issuer,
		Audience: jwt.Audience{h.cfg.Audience},
		Time:     time.Now(),
	}
	if err := claims.Validate(expected); err != nil {
		return fmt.Errorf("claims validation: %w", err)
	}
	return nil
}

// jwks returns the cached JWKS, refetching when the cache is empty or
// stale.
func (h *Handler) jwks(ctx context.Context) (jose.JSONWebKeySet, error) {
	h.mu.Lock()
	if time.Since(h.fetchedAt) < jwksCacheTTL && len(h.jwksCache.Keys) > 0 {
		cached := h.jwksCache
		h.mu.Unlock()
		return cached, nil
	}
	h.mu.Unlock()

	fetched, err := h.fetcher.FetchJWKS(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	h.mu.Lock()
	h.jwksCache = fetched
	h.fetchedAt = time.Now()
	h.mu.Unlock()
	return fetched, nil
}
