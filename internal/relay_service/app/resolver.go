package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

// AccountDirectory is the slice of the backend the resolver needs.
type AccountDirectory interface {
	GetBusinessAccountByRoutingKey(ctx context.Context, routingKey string) (*domain.BusinessAccount, error)
	GetBusinessAccountByID(ctx context.Context, id string) (*domain.BusinessAccount, error)
	GetBusinessAccountsByOwner(ctx context.Context, subject string) ([]domain.BusinessAccount, error)
}

type cacheEntry struct {
	accounts  []domain.BusinessAccount
	expiresAt time.Time
}

// AccountResolver answers "which business account does this request belong
// to" for both directions of traffic, with a small TTL cache in front of the
// backend so the webhook hot path doesn't pay a backend round trip per
// update. Entries are cached per routing key and per caller subject.
type AccountResolver struct {
	directory AccountDirectory
	ttl       time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewAccountResolver(directory AccountDirectory, ttl time.Duration, logger *slog.Logger) *AccountResolver {
	return &AccountResolver{
		directory: directory,
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
	}
}

// ResolveByRoutingKey maps an inbound webhook path segment to its account.
func (r *AccountResolver) ResolveByRoutingKey(ctx context.Context, routingKey string) (*domain.BusinessAccount, error) {
	key := "rk:" + routingKey
	if cached, ok := r.lookup(key); ok {
		return &cached[0], nil
	}

	account, err := r.directory.GetBusinessAccountByRoutingKey(ctx, routingKey)
	if err != nil {
		return nil, err
	}
	r.store(key, []domain.BusinessAccount{*account})
	return account, nil
}

// ResolveByID fetches an account by backend id, used by forwarder workers
// that only see the account id recorded on the event.
func (r *AccountResolver) ResolveByID(ctx context.Context, id string) (*domain.BusinessAccount, error) {
	key := "id:" + id
	if cached, ok := r.lookup(key); ok && len(cached) == 1 {
		return &cached[0], nil
	}

	account, err := r.directory.GetBusinessAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(key, []domain.BusinessAccount{*account})
	return account, nil
}

// ResolveByCallerIdentity maps an authenticated caller to the single account
// it dispatches for. accountID disambiguates when the caller owns several
// accounts; without it a multi-account caller gets ErrAmbiguousAccount.
func (r *AccountResolver) ResolveByCallerIdentity(ctx context.Context, subject, accountID string) (*domain.BusinessAccount, error) {
	key := "sub:" + subject
	accounts, ok := r.lookup(key)
	if !ok {
		var err error
		accounts, err = r.directory.GetBusinessAccountsByOwner(ctx, subject)
		if err != nil {
			return nil, err
		}
		r.store(key, accounts)
	}

	active := accounts[:0:0]
	for _, a := range accounts {
		if a.IsActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return nil, domain.ErrUnauthorizedAccount
	}

	if accountID != "" {
		for i := range active {
			if active[i].ID == accountID {
				return &active[i], nil
			}
		}
		return nil, domain.ErrUnauthorizedAccount
	}
	if len(active) > 1 {
		return nil, domain.ErrAmbiguousAccount
	}
	return &active[0], nil
}

// InvalidateRoutingKey drops the cached account for a routing key. A webhook
// secret mismatch can mean the cached record is stale after a secret
// rotation; dropping it makes the next update re-fetch from the backend
// instead of rejecting until the TTL expires.
func (r *AccountResolver) InvalidateRoutingKey(routingKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, "rk:"+routingKey)
}

func (r *AccountResolver) lookup(key string) ([]domain.BusinessAccount, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		resolverCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	resolverCacheHits.WithLabelValues("hit").Inc()
	return entry.accounts, true
}

func (r *AccountResolver) store(key string, accounts []domain.BusinessAccount) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{accounts: accounts, expiresAt: time.Now().Add(r.ttl)}
}
