// Package ident issues internal order IDs and maintains the two-way binding
// between internal IDs and broker-assigned IDs. Internal IDs are allocated
// before the broker is contacted, so a crash mid-submit never reuses an ID:
// the counter is flushed to disk on every allocation and re-seeded from the
// ledger's high-water mark at startup.
package ident

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"tradedesk/internal/domain"
)

// state is the persisted counter file format.
type state struct {
	NextID int64 `json:"next_id"`
}

// Registry allocates monotonic order IDs and records broker ID bindings.
// Bindings are held in memory only; they are rebuilt from the ledger at
// startup via Restore.
type Registry struct {
	mu       sync.Mutex
	nextID   int64
	byBroker map[int64]int64 // broker order ID -> order ID
	byOrder  map[int64]int64 // order ID -> broker order ID
	filePath string
	log      *slog.Logger
}

// NewRegistry creates a Registry, loading the persisted counter from
// filePath. An empty filePath disables persistence (tests).
func NewRegistry(filePath string, log *slog.Logger) *Registry {
	r := &Registry{
		nextID:   1,
		byBroker: make(map[int64]int64),
		byOrder:  make(map[int64]int64),
		filePath: filePath,
		log:      log,
	}
	r.load()
	return r
}

// Allocate returns the next internal order ID and durably advances the
// counter before the ID is released to the caller.
func (r *Registry) Allocate() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.flush()
	return id
}

// Bind records the broker's ID for an order. Binding the same pair twice is
// a no-op; binding either side to a different partner fails.
func (r *Registry) Bind(orderID, brokerOrderID int64) error {
	if orderID <= 0 || brokerOrderID <= 0 {
		return fmt.Errorf("bind %d<->%d: ids must be positive", orderID, brokerOrderID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byOrder[orderID]; ok {
		if prev == brokerOrderID {
			return nil
		}
		return fmt.Errorf("order %d bound to broker id %d, refusing %d: %w",
			orderID, prev, brokerOrderID, domain.ErrAlreadyBound)
	}
	if prev, ok := r.byBroker[brokerOrderID]; ok {
		return fmt.Errorf("broker id %d bound to order %d, refusing %d: %w",
			brokerOrderID, prev, orderID, domain.ErrAlreadyBound)
	}
	r.byOrder[orderID] = brokerOrderID
	r.byBroker[brokerOrderID] = orderID
	return nil
}

// Resolve maps a broker order ID to the internal order ID.
func (r *Registry) Resolve(brokerOrderID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byBroker[brokerOrderID]
	return id, ok
}

// BrokerFor maps an internal order ID to its broker order ID.
func (r *Registry) BrokerFor(orderID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOrder[orderID]
	return id, ok
}

// Seed raises the counter so the next allocation is at least maxExisting+1.
// Called at startup with the highest order ID found in the ledger; the
// counter never moves backwards.
func (r *Registry) Seed(maxExisting int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxExisting+1 > r.nextID {
		r.nextID = maxExisting + 1
		r.flush()
	}
}

// Restore re-seeds the counter and rebuilds bindings from ledger rows.
// Conflicting historical bindings are logged and skipped rather than
// aborting startup.
func (r *Registry) Restore(orders []*domain.Order) {
	var maxID int64
	for _, o := range orders {
		if o.OrderID > maxID {
			maxID = o.OrderID
		}
		if o.BrokerOrderID == 0 {
			continue
		}
		if err := r.Bind(o.OrderID, o.BrokerOrderID); err != nil {
			r.log.Warn("skipping stale binding", "order_id", o.OrderID,
				"broker_order_id", o.BrokerOrderID, "error", err)
		}
	}
	r.Seed(maxID)
}

// load reads the counter file into memory.
func (r *Registry) load() {
	if r.filePath == "" {
		return
	}
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return // File doesn't exist yet — start at 1.
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		r.log.Warn("loading id counter file", "error", err)
		return
	}
	if st.NextID > r.nextID {
		r.nextID = st.NextID
	}
	r.log.Info("loaded id counter", "next_id", r.nextID)
}

// flush writes the counter to disk. Must be called with mu held.
func (r *Registry) flush() {
	if r.filePath == "" {
		return
	}
	data, err := json.Marshal(state{NextID: r.nextID})
	if err != nil {
		r.log.Error("marshalling id counter", "error", err)
		return
	}
	if err := os.WriteFile(r.filePath, data, 0644); err != nil {
		r.log.Error("writing id counter file", "error", err)
	}
}
