// Package orderdb provides the durable record of every order the engine has
// ever touched, plus the per-pair trade-params document.
//
// Storage is one JSON file per pair (orders_<BASE>_<QUOTE>.json) and one per
// params document (params_<BASE>_<QUOTE>.json). Writes use atomic file
// replacement (write to .tmp, then rename) so a crash never leaves a partial
// file. Every mutation is persisted before the call returns; reconciliation
// is authoritative for anything a crash tears, so no cross-record
// transactions are needed.
package orderdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// ErrDuplicate is returned by Insert when the order ID already exists.
var ErrDuplicate = errors.New("orderdb: duplicate order id")

// ErrNotFound is returned by Update and Get for an unknown order ID.
var ErrNotFound = errors.New("orderdb: order not found")

// Store persists orders to JSON files in a designated directory.
// All operations are mutex-protected; reads return copies.
type Store struct {
	dir string

	mu     sync.Mutex
	orders map[string]*types.Order // id -> record
	seq    uint64                  // per-run monotonic insertion counter
}

// Open loads every orders file in dir (creating dir if needed).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{dir: dir, orders: make(map[string]*types.Order)}

	matches, err := filepath.Glob(filepath.Join(dir, "orders_*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan store dir: %w", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var records []*types.Order
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", path, err)
		}
		for _, o := range records {
			s.seq++
			o.Seq = s.seq
			s.orders[o.ID] = o
		}
	}
	return s, nil
}

// Close is a no-op for file-based storage; every mutation is already durable.
func (s *Store) Close() error { return nil }

func (s *Store) ordersPath(pair types.Pair) string {
	return filepath.Join(s.dir, fmt.Sprintf("orders_%s_%s.json", pair.Base, pair.Quote))
}

func (s *Store) paramsPath(pair types.Pair) string {
	return filepath.Join(s.dir, fmt.Sprintf("params_%s_%s.json", pair.Base, pair.Quote))
}

// persistPairLocked writes the pair's full order list atomically.
func (s *Store) persistPairLocked(pair types.Pair) error {
	var records []*types.Order
	for _, o := range s.orders {
		if o.Pair == pair {
			records = append(records, o)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}
	return atomicWrite(s.ordersPath(pair), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// Insert records a new order. Fails with ErrDuplicate if the ID exists.
func (s *Store) Insert(o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
	}
	s.seq++
	o.Seq = s.seq
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = &o
	return s.persistPairLocked(o.Pair)
}

// Update applies mutate to the order atomically and persists it.
// The mutator must not retain the pointer past its return.
func (s *Store) Update(id string, mutate func(*types.Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	mutate(o)
	o.UpdatedAt = time.Now()
	return s.persistPairLocked(o.Pair)
}

// Get returns a copy of the order with the given ID.
func (s *Store) Get(id string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *o, nil
}

// Filter selects orders. Zero-valued fields match everything.
type Filter struct {
	Pair       types.Pair
	Purposes   []types.Purpose
	States     []types.LadderState
	VenueID    string
	Side       types.Side
	PriceAbove *decimal.Decimal // strictly greater
	PriceBelow *decimal.Decimal // strictly less
	HasVenueID *bool
}

func (f Filter) matches(o *types.Order) bool {
	if !f.Pair.IsZero() && o.Pair != f.Pair {
		return false
	}
	if len(f.Purposes) > 0 && !containsPurpose(f.Purposes, o.Purpose) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, o.LadderState) {
		return false
	}
	if f.VenueID != "" && o.VenueID != f.VenueID {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.PriceAbove != nil && !o.Price.GreaterThan(*f.PriceAbove) {
		return false
	}
	if f.PriceBelow != nil && !o.Price.LessThan(*f.PriceBelow) {
		return false
	}
	if f.HasVenueID != nil && (o.VenueID != "") != *f.HasVenueID {
		return false
	}
	return true
}

func containsPurpose(ps []types.Purpose, p types.Purpose) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}

func containsState(ss []types.LadderState, s types.LadderState) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Find returns copies of all orders matching the filter, in insertion order.
func (s *Store) Find(f Filter) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Order
	for _, o := range s.orders {
		if f.matches(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// GroupByPurpose returns the pair's orders grouped by purpose, each group in
// insertion order. Used by stats and the orders summary.
func (s *Store) GroupByPurpose(pair types.Pair) map[types.Purpose][]types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[types.Purpose][]types.Order)
	for _, o := range s.orders {
		if o.Pair == pair {
			groups[o.Purpose] = append(groups[o.Purpose], *o)
		}
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Seq < g[j].Seq })
	}
	return groups
}

// SaveParams persists the pair's trade-params document atomically.
func (s *Store) SaveParams(params types.TradeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return atomicWrite(s.paramsPath(params.Pair), data)
}

// LoadParams restores the pair's trade-params document.
// Returns nil, nil when none has been saved yet.
func (s *Store) LoadParams(pair types.Pair) (*types.TradeParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.paramsPath(pair))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read params: %w", err)
	}
	var params types.TradeParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return &params, nil
}
