package projection

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
)

// TypeHierarchy declares, for each concrete event type, its supertypes from
// most to least specific. "OrderShipped": {"OrderEvent", "DomainEvent"}
// lets handlers registered on OrderEvent or DomainEvent receive OrderShipped.
type TypeHierarchy map[string][]string

// Lineage returns eventType followed by its declared supertypes.
func (h TypeHierarchy) Lineage(eventType string) []string {
	return append([]string{eventType}, h[eventType]...)
}

// Match tells a handler how the event reached it.
type Match struct {
	// Type is the declared type the handler was registered on.
	Type string
	// Lineage is the event's concrete type followed by its supertypes, in
	// priority order.
	Lineage []string
}

// ApplyFunc is a projection's pure apply function. It must not perform I/O
// or read clocks; everything it needs is in the event and the policy context.
type ApplyFunc func(pctx policy.Context, evt eventlog.Event, m Match) (Result, error)

// Handler binds an ApplyFunc to an event type, concrete or abstract.
type Handler struct {
	Type     string
	Apply    ApplyFunc
	priority *int
}

// On registers fn for eventType.
func On(eventType string, fn ApplyFunc) Handler {
	return Handler{Type: eventType, Apply: fn}
}

// WithPriority overrides the default priority. Higher runs first. By default
// a handler on the concrete type has priority 0, one on its first supertype
// -1, and so on.
func (h Handler) WithPriority(p int) Handler {
	h.priority = &p
	return h
}

type entry struct {
	handler  Handler
	priority int
	order    int
}

// dispatchTable maps a concrete event type to its handlers, highest priority first.
type dispatchTable map[string][]entry

// buildTable resolves handlers against the hierarchy once, so dispatch is a
// map lookup per event.
func buildTable(handlers []Handler, types TypeHierarchy) (dispatchTable, error) {
	if len(handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}
	byType := make(map[string][]int)
	for i, h := range handlers {
		if h.Type == "" {
			return nil, fmt.Errorf("handler %d: event type is required", i)
		}
		if h.Apply == nil {
			return nil, fmt.Errorf("handler %d (%s): apply function is required", i, h.Type)
		}
		byType[h.Type] = append(byType[h.Type], i)
	}

	concrete := make(map[string]struct{})
	abstract := make(map[string]struct{})
	for t, supers := range types {
		concrete[t] = struct{}{}
		for _, s := range supers {
			abstract[s] = struct{}{}
		}
	}
	for t := range byType {
		if _, ok := abstract[t]; !ok {
			concrete[t] = struct{}{}
		}
	}

	table := make(dispatchTable, len(concrete))
	for t := range concrete {
		var entries []entry
		for depth, declared := range types.Lineage(t) {
			for _, i := range byType[declared] {
				prio := -depth
				if p := handlers[i].priority; p != nil {
					prio = *p
				}
				entries = append(entries, entry{handler: handlers[i], priority: prio, order: i})
			}
		}
		slices.SortStableFunc(entries, func(a, b entry) int {
			if c := cmp.Compare(b.priority, a.priority); c != 0 {
				return c
			}
			return cmp.Compare(a.order, b.order)
		})
		if len(entries) > 0 {
			table[t] = entries
		}
	}
	return table, nil
}

// Handles reports whether any handler applies to eventType.
func (t dispatchTable) Handles(eventType string) bool {
	return len(t[eventType]) > 0
}
