package exchange

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/pkg/models"
)

// DefaultServiceTTL bounds how long a pooled client handle is reused.
// Exchange clients carry handshake and session state; rebuilding per job
// is wasteful, but unbounded retention leaks stale sessions and
// credentials.
const DefaultServiceTTL = 10 * time.Minute

// timeNow is swapped out in tests.
var timeNow = time.Now

type pooledClient struct {
	client    Client
	createdAt time.Time
}

// ServicePool keeps one authenticated client per user, evicted on TTL.
// Callers borrow references; the pool owns the handles.
type ServicePool struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*pooledClient

	factory Factory
	ttl     time.Duration
	logger  *zap.Logger
}

// NewServicePool creates a pool around a client factory.
func NewServicePool(factory Factory, ttl time.Duration, logger *zap.Logger) *ServicePool {
	if ttl <= 0 {
		ttl = DefaultServiceTTL
	}
	return &ServicePool{
		clients: make(map[uuid.UUID]*pooledClient),
		factory: factory,
		ttl:     ttl,
		logger:  logger,
	}
}

// GetOrCreate returns the cached handle while it is younger than the TTL,
// otherwise constructs a fresh client bound to the credentials.
func (p *ServicePool) GetOrCreate(userID uuid.UUID, creds models.Credentials) (Client, error) {
	now := timeNow()

	p.mu.RLock()
	entry, ok := p.clients[userID]
	p.mu.RUnlock()
	if ok && now.Sub(entry.createdAt) < p.ttl {
		return entry.client, nil
	}

	client, err := p.factory(creds)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// another job may have raced the rebuild; keep whichever is newest
	if existing, ok := p.clients[userID]; ok && now.Sub(existing.createdAt) < p.ttl {
		p.mu.Unlock()
		return existing.client, nil
	}
	p.clients[userID] = &pooledClient{client: client, createdAt: now}
	p.mu.Unlock()

	p.logger.Debug("exchange client created", zap.String("user_id", userID.String()))
	return client, nil
}

// EvictExpired sweeps handles older than the TTL. Invoked once per
// scheduler tick, before job dispatch.
func (p *ServicePool) EvictExpired() int {
	now := timeNow()

	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for userID, entry := range p.clients {
		if now.Sub(entry.createdAt) >= p.ttl {
			delete(p.clients, userID)
			evicted++
		}
	}
	if evicted > 0 {
		p.logger.Debug("expired exchange clients evicted", zap.Int("count", evicted))
	}
	return evicted
}

// Size returns the current number of pooled handles.
func (p *ServicePool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
