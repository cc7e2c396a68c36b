package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/config"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

type routeKey struct {
	service string
	model   string
}

// Registry indexes queues by id and by (service, model) route, routes
// tasks to the shallowest queue and auto-registers a queue when a route
// has none but an API key for the service is known.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*Queue
	byRoute map[routeKey][]string

	apiKeys map[string]string // service -> key
	limits  config.RateLimits
	heap    *Heap
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry builds a registry sharing the given dispatch heap. The now
// func is injectable for tests; nil means time.Now.
func NewRegistry(h *Heap, apiKeys map[string]string, limits config.RateLimits, logger *slog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	if limits == nil {
		limits = config.DefaultRateLimits()
	}
	return &Registry{
		queues:  make(map[string]*Queue),
		byRoute: make(map[routeKey][]string),
		apiKeys: apiKeys,
		limits:  limits,
		heap:    h,
		now:     now,
		logger:  logger,
	}
}

// RegisterQueue creates a queue for the route with explicit limits and an
// explicit key.
func (r *Registry) RegisterQueue(service, model, apiKey string, limits config.RateLimit) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(service, model, apiKey, limits)
}

func (r *Registry) registerLocked(service, model, apiKey string, limits config.RateLimit) *Queue {
	q := NewQueue(uuid.NewString(), service, model, apiKey, limits, r.now)
	r.queues[q.ID()] = q
	k := routeKey{service: service, model: model}
	r.byRoute[k] = append(r.byRoute[k], q.ID())
	r.logger.Info("queue registered",
		slog.String("queue_id", q.ID()),
		slog.String("service", service),
		slog.String("model", model),
		slog.Int("rpm", limits.RPM),
		slog.Int("tpm", limits.TPM))
	return q
}

// Get returns the queue by id.
func (r *Registry) Get(queueID string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[queueID]
	return q, ok
}

// RouteTask picks the shallowest queue for the route. When the route has
// no queue and the service's API key is known, one is auto-registered with
// the service's default limits; otherwise ErrNoQueue.
func (r *Registry) RouteTask(service, model string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byRoute[routeKey{service: service, model: model}]
	if len(ids) == 0 {
		key, ok := r.apiKeys[service]
		if !ok {
			return nil, fmt.Errorf("op=dispatch.route: service=%s model=%s: %w", service, model, domain.ErrNoQueue)
		}
		return r.registerLocked(service, model, key, r.limits.For(service)), nil
	}
	best := r.queues[ids[0]]
	for _, id := range ids[1:] {
		if q := r.queues[id]; q.Depth() < best.Depth() {
			best = q
		}
	}
	return best, nil
}

// EnqueueTask routes and enqueues the rendered task. Only a previously
// empty queue is pushed onto the heap; a non-empty queue already has a
// live entry.
func (r *Registry) EnqueueTask(t RenderedTask) (*Queue, error) {
	q, err := r.RouteTask(t.Model.Service, t.Model.Name)
	if err != nil {
		return nil, err
	}
	if wasEmpty := q.Enqueue(t); wasEmpty {
		r.heap.Push(q.ID(), r.now().Add(q.TimeUntilAvailable(t.EstimatedTokens)))
	}
	observability.QueueDepth.WithLabelValues(q.Service(), q.Model()).Set(float64(q.Depth()))
	return q, nil
}

// Queues returns a snapshot of all registered queues.
func (r *Registry) Queues() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}
