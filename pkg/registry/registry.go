package registry

import (
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/metrics"
)

const (
	logPrefix = "registry:registry"

	defaultMaxClients      = math.MaxUint32
	defaultInitialCapacity = 1024
)

// Config holds registry configuration.
type Config struct {
	// MaxClients bounds the identity space: identities are allocated from
	// [1, MaxClients]. Zero means math.MaxUint32.
	MaxClients uint64
	// InitialCapacity sizes the client table.
	InitialCapacity int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxClients:      defaultMaxClients,
		InitialCapacity: defaultInitialCapacity,
	}
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	Config  Config
	Metrics *metrics.Metrics
}

// Registry maps client identities to their reply capability. All operations
// run under one mutex and never perform I/O beyond the non-blocking Sender.Send.
type Registry struct {
	mu      sync.Mutex
	ids     map[ClientID]Sender
	config  Config
	metrics *metrics.Metrics
}

// NewRegistry creates a new Registry instance.
func NewRegistry(params NewRegistryParams) *Registry {
	cfg := params.Config
	if cfg.MaxClients == 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = defaultInitialCapacity
	}
	return &Registry{
		ids:     make(map[ClientID]Sender, cfg.InitialCapacity),
		config:  cfg,
		metrics: params.Metrics,
	}
}

// AddClient binds s to the smallest unused identity and returns it. When every
// identity in [1, MaxClients] is taken it returns NoClient and
// ErrIdentitySpaceExhausted.
func (r *Registry) AddClient(s Sender) (ClientID, error) {
	r.mu.Lock()
	id := r.nextFreeID()
	if id != NoClient {
		r.ids[id] = s
	}
	n := len(r.ids)
	r.mu.Unlock()

	if id == NoClient {
		slog.Error(fmt.Sprintf("%s - no free client id (max %d, connected %d)", logPrefix, r.config.MaxClients, n))
		return NoClient, ErrIdentitySpaceExhausted
	}
	r.metrics.SetClients(n)
	slog.Info(fmt.Sprintf("%s - added client with id %d", logPrefix, id))
	return id, nil
}

// nextFreeID scans upward from 1. Caller holds r.mu.
func (r *Registry) nextFreeID() ClientID {
	if uint64(len(r.ids)) >= r.config.MaxClients {
		return NoClient
	}
	for i := uint64(1); i <= r.config.MaxClients; i++ {
		if _, taken := r.ids[ClientID(i)]; !taken {
			return ClientID(i)
		}
	}
	return NoClient
}

// RemoveClient drops id from the table. It reports whether an entry existed;
// removing an absent id is a no-op.
func (r *Registry) RemoveClient(id ClientID) bool {
	slog.Debug(fmt.Sprintf("%s - remove client called %d", logPrefix, id))
	r.mu.Lock()
	removed, n := r.removeLocked(id)
	r.mu.Unlock()

	if removed {
		r.metrics.SetClients(n)
		slog.Info(fmt.Sprintf("%s - num_clients: %d", logPrefix, n))
	}
	return removed
}

// ReleaseClient drops id only while it is still bound to s. A connection
// whose identity was already freed by a failed delivery and handed to a new
// connection therefore cannot remove the new binding. Senders whose dynamic
// type is not comparable are released by id alone.
func (r *Registry) ReleaseClient(id ClientID, s Sender) bool {
	slog.Debug(fmt.Sprintf("%s - release client called %d", logPrefix, id))
	r.mu.Lock()
	current, ok := r.ids[id]
	if !ok || !sameSender(current, s) {
		r.mu.Unlock()
		if ok {
			slog.Debug(fmt.Sprintf("%s - client %d is bound to a newer connection, not released", logPrefix, id))
		}
		return false
	}
	removed, n := r.removeLocked(id)
	r.mu.Unlock()

	r.metrics.SetClients(n)
	slog.Info(fmt.Sprintf("%s - num_clients: %d", logPrefix, n))
	return removed
}

func sameSender(a, b Sender) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta == nil || !ta.Comparable() {
		return true
	}
	return a == b
}

func (r *Registry) removeLocked(id ClientID) (bool, int) {
	if _, ok := r.ids[id]; !ok {
		return false, len(r.ids)
	}
	delete(r.ids, id)
	return true, len(r.ids)
}

// SocketReply sends a to client id. An absent client or a failed send removes
// the identity; neither is reported to the caller.
func (r *Registry) SocketReply(id ClientID, a *action.Action) {
	text, err := a.Encode()
	if err != nil {
		slog.Error(fmt.Sprintf("%s - reply to client %d not sent: %v", logPrefix, id, err))
		return
	}

	r.mu.Lock()
	sender, ok := r.ids[id]
	if !ok {
		_, n := r.removeLocked(id)
		r.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - no sender found for client %d (num_clients: %d)", logPrefix, id, n))
		return
	}
	sendErr := sender.Send(text)
	var n int
	if sendErr != nil {
		_, n = r.removeLocked(id)
	}
	r.mu.Unlock()

	if sendErr != nil {
		r.metrics.DeliveryFailed()
		r.metrics.SetClients(n)
		slog.Warn(fmt.Sprintf("%s - removing client %d: %v", logPrefix, id, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)))
		return
	}
	r.metrics.ReplySent()
	slog.Debug(fmt.Sprintf("%s - replied to client %d", logPrefix, id))
}

// Broadcast sends a to every connected client. Clients whose send fails are
// removed. It returns the number of successful deliveries.
func (r *Registry) Broadcast(a *action.Action) int {
	text, err := a.Encode()
	if err != nil {
		slog.Error(fmt.Sprintf("%s - broadcast not sent: %v", logPrefix, err))
		return 0
	}

	var failed []ClientID
	delivered := 0
	r.mu.Lock()
	for id, sender := range r.ids {
		if err := sender.Send(text); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	for _, id := range failed {
		delete(r.ids, id)
	}
	n := len(r.ids)
	r.mu.Unlock()

	for range failed {
		r.metrics.DeliveryFailed()
	}
	if len(failed) > 0 {
		r.metrics.SetClients(n)
		slog.Warn(fmt.Sprintf("%s - broadcast removed %d unreachable clients", logPrefix, len(failed)))
	}
	return delivered
}

// GetSender returns the reply capability bound to id.
func (r *Registry) GetSender(id ClientID) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ids[id]
	return s, ok
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// ClientIDs returns a sorted snapshot of the connected identities.
func (r *Registry) ClientIDs() []ClientID {
	r.mu.Lock()
	out := make([]ClientID, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MaxClients returns the size of the identity space.
func (r *Registry) MaxClients() uint64 {
	return r.config.MaxClients
}
