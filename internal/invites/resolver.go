package invites

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
)

// Lookup fetches the guild an invite code points to. Unknown or expired codes return domain.ErrInviteNotFound.
type Lookup interface {
	LookupInvite(ctx context.Context, code string) (string, error)
}

type entry struct {
	guildID string
	found   bool
}

type Resolver struct {
	lookup  Lookup
	timeout time.Duration
	logger  *zap.Logger
	cache   *expirable.LRU[string, entry]
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker[string]
}

func New(cfg config.InviteConfig, lookup Lookup, logger *zap.Logger) *Resolver {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	failures := uint32(max(cfg.BreakerFailures, 1))
	logger = logger.Named("invites")

	r := &Resolver{
		lookup:  lookup,
		timeout: time.Duration(cfg.TimeoutMilli) * time.Millisecond,
		logger:  logger,
		cache:   expirable.NewLRU[string, entry](size, nil, config.Seconds(cfg.CacheSeconds)),
	}
	r.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "invite-lookup",
		MaxRequests: 1,
		Timeout:     config.Seconds(cfg.BreakerTimeoutSeconds),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrInviteNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("invite lookup breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// Resolve returns the guild id of an invite code. Results, including not-found, are cached.
func (r *Resolver) Resolve(ctx context.Context, code string) (string, error) {
	if cached, ok := r.cache.Get(code); ok {
		if !cached.found {
			return "", domain.ErrInviteNotFound
		}
		return cached.guildID, nil
	}

	value, err, _ := r.group.Do(code, func() (any, error) {
		return r.breaker.Execute(func() (string, error) {
			lookupCtx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				lookupCtx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			return r.lookup.LookupInvite(lookupCtx, code)
		})
	})

	switch {
	case err == nil:
		guildID := value.(string)
		r.cache.Add(code, entry{guildID: guildID, found: true})
		return guildID, nil
	case errors.Is(err, domain.ErrInviteNotFound):
		r.cache.Add(code, entry{})
		return "", domain.ErrInviteNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "", fmt.Errorf("%w: %v", domain.ErrInviteUnavailable, err)
	default:
		return "", fmt.Errorf("resolve invite %s: %w", code, err)
	}
}

func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}

func (r *Resolver) Purge() {
	r.cache.Purge()
}
