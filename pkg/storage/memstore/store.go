// Package memstore is an in-memory harvest sink. It backs tests and
// dry runs; nothing survives the process.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
)

// ErrEmptyPayload is returned by Upsert for payloads without content.
var ErrEmptyPayload = errors.New("empty payload")

// Store is a concurrency-safe in-memory sink.
type Store struct {
	mu          sync.RWMutex
	identifiers map[model.ID]model.Identifier
	order       []model.ID
	payloads    map[model.Aspect]map[model.ID]model.Payload
	noData      map[model.ID]int
	now         func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		identifiers: make(map[model.ID]model.Identifier),
		payloads:    make(map[model.Aspect]map[model.ID]model.Payload),
		noData:      make(map[model.ID]int),
		now:         time.Now,
	}
}

// ListIdentifiers returns identifiers in insertion order, skipping those whose
// name matches excludePattern.
func (s *Store) ListIdentifiers(ctx context.Context, excludePattern string) ([]model.Identifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var re *regexp.Regexp
	if excludePattern != "" {
		var err error
		if re, err = regexp.Compile(excludePattern); err != nil {
			return nil, fmt.Errorf("compile exclude pattern: %w", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Identifier, 0, len(s.order))
	for _, id := range s.order {
		ident := s.identifiers[id]
		if re != nil && re.MatchString(ident.Name) {
			continue
		}
		out = append(out, ident)
	}
	return out, nil
}

// ListPresent returns the IDs stored for aspect.
func (s *Store) ListPresent(ctx context.Context, aspect model.Aspect) (model.IDSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if aspect == model.AspectNoData {
		set := make(model.IDSet, len(s.noData))
		for id := range s.noData {
			set.Add(id)
		}
		return set, nil
	}
	set := make(model.IDSet, len(s.payloads[aspect]))
	for id := range s.payloads[aspect] {
		set.Add(id)
	}
	return set, nil
}

// Upsert stores payload and reports whether it differs from the stored one.
func (s *Store) Upsert(ctx context.Context, id model.ID, aspect model.Aspect, payload model.Payload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if aspect == model.AspectNoData {
		return false, fmt.Errorf("aspect %s is not writable", aspect)
	}
	if payload.IsEmpty() {
		return false, ErrEmptyPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.payloads[aspect]
	if !ok {
		byID = make(map[model.ID]model.Payload)
		s.payloads[aspect] = byID
	}
	if prev, ok := byID[id]; ok && reflect.DeepEqual(prev, payload) {
		return false, nil
	}
	byID[id] = payload
	return true, nil
}

// RecordEmptyAttempt increments the no-data counter of id.
func (s *Store) RecordEmptyAttempt(ctx context.Context, id model.ID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noData[id]++
	return s.noData[id], nil
}

// EmptyAttempts returns a copy of all no-data counters.
func (s *Store) EmptyAttempts(ctx context.Context) (map[model.ID]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.ID]int, len(s.noData))
	for id, n := range s.noData {
		out[id] = n
	}
	return out, nil
}

// UpsertIdentifiers inserts unknown identifiers and refreshes known names.
// A zero ObservedAt is set to the current time on insert.
func (s *Store) UpsertIdentifiers(ctx context.Context, idents []model.Identifier) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, ident := range idents {
		if ident.ID == "" {
			continue
		}
		if prev, ok := s.identifiers[ident.ID]; ok {
			prev.Name = ident.Name
			s.identifiers[ident.ID] = prev
			continue
		}
		if ident.ObservedAt.IsZero() {
			ident.ObservedAt = s.now()
		}
		s.identifiers[ident.ID] = ident
		s.order = append(s.order, ident.ID)
		inserted++
	}
	return inserted, nil
}

// Get returns the stored payload for (id, aspect).
func (s *Store) Get(id model.ID, aspect model.Aspect) (model.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[aspect][id]
	return p, ok
}

// Identifier returns the stored identifier record.
func (s *Store) Identifier(id model.ID) (model.Identifier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identifiers[id]
	return ident, ok
}
