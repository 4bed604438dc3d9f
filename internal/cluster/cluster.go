// Package cluster holds the mutable set of declared brokers and its
// durable snapshot store.
package cluster

import (
	"fmt"
	"sync"

	log "github.com/golang/glog"

	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// Store persists and restores a cluster snapshot. Implementations must make
// Save atomic with respect to a crash between the start and end of the
// call: readers never observe a partially-written snapshot.
type Store interface {
	Open() error
	Close() error
	Save(brokers []*domain.Broker) error
	Load() ([]*domain.Broker, error)
}

// Cluster is the mutable, mutex-guarded set of declared brokers. Broker id
// uniqueness is enforced by AddBroker. Task handles are attached by the
// reconciler, which sets Broker.Task directly on the live record.
type Cluster struct {
	mu      sync.Mutex
	order   []string
	brokers map[string]*domain.Broker
	store   Store
}

// New creates an empty cluster backed by store. Call Load before using it
// to recover any previously-declared brokers.
func New(store Store) *Cluster {
	return &Cluster{
		order:   make([]string, 0),
		brokers: make(map[string]*domain.Broker),
		store:   store,
	}
}

// AddBroker declares a new broker. Returns an error if the id is already
// taken, preserving cluster-wide id uniqueness.
func (c *Cluster) AddBroker(b *domain.Broker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.brokers[b.Id]; exists {
		return fmt.Errorf("broker %q already exists", b.Id)
	}
	c.brokers[b.Id] = b
	c.order = append(c.order, b.Id)
	return nil
}

// RemoveBroker deletes a broker declaration. Returns false if it did not
// exist. Any outstanding task is left for the reconciler's orphan-kill
// pass to find and kill on its next run: once the broker is gone, the
// reconciler's tracked task id no longer resolves to an active broker.
func (c *Cluster) RemoveBroker(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.brokers[id]; !exists {
		return false
	}
	delete(c.brokers, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// GetBroker returns the live broker record for id, or nil if absent. The
// returned pointer aliases cluster-owned state; only the reconciler, which
// holds the same lock discipline as every other cluster mutation, should
// mutate through it.
func (c *Cluster) GetBroker(id string) *domain.Broker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brokers[id]
}

// GetBrokers returns brokers in stable insertion order. This is the order
// the reconciler walks when matching an offer against declared brokers.
func (c *Cluster) GetBrokers() []*domain.Broker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Broker, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.brokers[id])
	}
	return out
}

// SetActive flips a broker's desired-running flag. Returns false if the
// broker does not exist.
func (c *Cluster) SetActive(id string, active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.brokers[id]
	if !ok {
		return false
	}
	b.Active = active
	return true
}

// Snapshot returns a deep copy of the declared brokers, safe to hand to a
// read-only caller (e.g. the HTTP admin endpoint) without it becoming a
// live alias into cluster state.
func (c *Cluster) Snapshot() []domain.Broker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Broker, 0, len(c.order))
	for _, id := range c.order {
		b := *c.brokers[id]
		if b.Task != nil {
			t := *b.Task
			b.Task = &t
		}
		if b.OptionMap != nil {
			opts := make(map[string]string, len(b.OptionMap))
			for k, v := range b.OptionMap {
				opts[k] = v
			}
			b.OptionMap = opts
		}
		if b.Failover.MaxTries != nil {
			n := *b.Failover.MaxTries
			b.Failover.MaxTries = &n
		}
		if b.Failover.FailureTime != nil {
			ft := *b.Failover.FailureTime
			b.Failover.FailureTime = &ft
		}
		out = append(out, b)
	}
	return out
}

// Save persists the current declared state. Save failures are logged and
// swallowed: the reconciler keeps running and a later event retries.
func (c *Cluster) Save() {
	c.mu.Lock()
	brokers := make([]*domain.Broker, len(c.order))
	for i, id := range c.order {
		brokers[i] = c.brokers[id]
	}
	c.mu.Unlock()

	if err := c.store.Save(brokers); err != nil {
		log.Errorf("Failed to persist cluster snapshot: %v\n", err)
	}
}

// Load restores declared brokers from the store. When clearTasks is true,
// any in-flight task handle is discarded: task handles never survive a
// scheduler restart, since the driver will not redeliver status updates
// for a session it no longer recognizes. A Load failure is fatal and
// returned to the caller, which in cmd/scheduler aborts startup.
func (c *Cluster) Load(clearTasks bool) error {
	brokers, err := c.store.Load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	c.brokers = make(map[string]*domain.Broker, len(brokers))
	for _, b := range brokers {
		if clearTasks {
			b.Task = nil
		}
		c.brokers[b.Id] = b
		c.order = append(c.order, b.Id)
	}
	log.Infof("Loaded %d broker(s) from cluster store\n", len(brokers))
	return nil
}
