package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
)

// applicationJoin runs the query without native SQL joins: each schema is
// queried through its own backend (which evaluates opaque predicates in
// process), rows are matched on player uuid, then sorted and paginated here.
func (e *Executor) applicationJoin(ctx context.Context, plan *Plan) ([]Result, error) {
	root := plan.Query.Root
	rootBackend := e.resolver.BackendFor(root)
	if rootBackend == nil {
		return nil, fmt.Errorf("query: no backend for schema %s", root.Key)
	}

	rootRows, err := rootBackend.Query(ctx, root, plan.Query.RootFilters, 0, 0)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*Result, len(rootRows))
	order := make([]string, 0, len(rootRows))
	for _, row := range rootRows {
		id, _ := row[root.PrimaryKey].(string)
		if id == "" {
			continue
		}
		results[id] = &Result{
			PlayerUUID: id,
			Data:       map[string]data.Row{root.Key: row},
		}
		order = append(order, id)
	}

	for _, jp := range plan.Joins {
		join := jp.Join
		backend := e.resolver.BackendFor(join.Schema)
		if backend == nil {
			return nil, fmt.Errorf("query: no backend for schema %s", join.Schema.Key)
		}
		joinRows, err := backend.Query(ctx, join.Schema, join.Filters, 0, 0)
		if err != nil {
			return nil, err
		}
		matched := make(map[string]data.Row, len(joinRows))
		for _, row := range joinRows {
			if id, _ := row[join.Schema.PrimaryKey].(string); id != "" {
				matched[id] = row
			}
		}

		switch join.Type {
		case JoinInner:
			kept := order[:0:0]
			for _, id := range order {
				row, hit := matched[id]
				if !hit {
					delete(results, id)
					continue
				}
				results[id].Data[join.Schema.Key] = row
				kept = append(kept, id)
			}
			order = kept
		case JoinLeft:
			for _, id := range order {
				if row, hit := matched[id]; hit {
					results[id].Data[join.Schema.Key] = row
				}
			}
		case JoinRight, JoinFull:
			if join.Type == JoinRight {
				// Root rows without a match drop out.
				kept := order[:0:0]
				for _, id := range order {
					if _, hit := matched[id]; !hit {
						delete(results, id)
						continue
					}
					kept = append(kept, id)
				}
				order = kept
			}
			for id, row := range matched {
				r, exists := results[id]
				if !exists {
					r = &Result{PlayerUUID: id, Data: map[string]data.Row{}}
					results[id] = r
					order = append(order, id)
				}
				r.Data[join.Schema.Key] = row
			}
		}
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		if r, exists := results[id]; exists {
			out = append(out, *r)
		}
	}

	sortResults(out, plan.Query.Sorts)
	return paginateResults(out, plan.Query.Limit, plan.Query.Offset), nil
}

// sortResults orders results in process, honoring direction and null
// placement per term.
func sortResults(results []Result, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(results, func(i, j int) bool {
		for _, s := range sorts {
			a, aOK := sortValue(results[i], s)
			b, bOK := sortValue(results[j], s)
			if !aOK && !bOK {
				continue
			}
			if aOK != bOK {
				nullsFirst := s.Nulls == data.NullsFirst
				if s.Nulls == data.NullsDefault {
					// Engines default to nulls-last on ASC.
					nullsFirst = s.Direction == data.Descending
				}
				if aOK {
					return !nullsFirst
				}
				return nullsFirst
			}
			cmp := data.Compare(a, b)
			if cmp == 0 {
				continue
			}
			if s.Direction == data.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func sortValue(r Result, s Sort) (any, bool) {
	row, exists := r.Data[s.Schema.Key]
	if !exists {
		return nil, false
	}
	v, present := row[s.Field]
	if !present || v == nil {
		return nil, false
	}
	return v, true
}

func paginateResults(results []Result, limit, offset int) []Result {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}
