package query

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

const (
	planTTL         = 5 * time.Minute
	defaultMaxPlans = 100

	// largeCardinality triggers the missing-limit recommendation.
	largeCardinality = 100_000
)

// FilterPlan carries one filter with its pushdown decision.
type FilterPlan struct {
	Filter   data.Filter
	Pushdown bool
}

// JoinPlan is one join after optimization: reordered position, selectivity
// and planned filters.
type JoinPlan struct {
	Join        Join
	Selectivity float64
	Filters     []FilterPlan
}

// Plan is an optimized query: joins reordered most-selective first, filters
// classified for pushdown, cost estimated.
type Plan struct {
	Query           Query
	RootFilters     []FilterPlan
	Joins           []JoinPlan
	EstimatedCost   float64
	Recommendations []string
	Signature       string
	CreatedAt       time.Time
}

// Optimizer plans cross-schema queries and caches the plans.
type Optimizer struct {
	stats    *StatsCache
	resolver data.BackendResolver

	cacheEnabled bool
	maxPlans     int
	ttl          time.Duration
	now          func() time.Time

	mu    sync.Mutex
	plans map[string]*Plan
}

// NewOptimizer creates an optimizer with plan caching on.
func NewOptimizer(stats *StatsCache, resolver data.BackendResolver) *Optimizer {
	return &Optimizer{
		stats:        stats,
		resolver:     resolver,
		cacheEnabled: true,
		maxPlans:     defaultMaxPlans,
		ttl:          planTTL,
		now:          time.Now,
		plans:        make(map[string]*Plan),
	}
}

// SetCacheEnabled toggles the plan cache.
func (o *Optimizer) SetCacheEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cacheEnabled = enabled
}

// Optimize plans the query: cache lookup, pushdown classification, join
// reordering by selectivity, cost estimate and advisory recommendations.
func (o *Optimizer) Optimize(q Query) *Plan {
	sig := o.signature(q)

	o.mu.Lock()
	if o.cacheEnabled {
		if cached, ok := o.plans[sig]; ok && o.now().Sub(cached.CreatedAt) < o.ttl {
			o.mu.Unlock()
			return cached
		}
	}
	o.mu.Unlock()

	plan := &Plan{
		Query:     q,
		Signature: sig,
		CreatedAt: o.now(),
	}

	plan.RootFilters = o.classifyFilters(q.Root, q.RootFilters)

	joins := make([]JoinPlan, 0, len(q.Joins))
	for _, j := range q.Joins {
		jp := JoinPlan{
			Join:        j,
			Selectivity: o.joinSelectivity(j),
			Filters:     o.classifyFilters(j.Schema, j.Filters),
		}
		joins = append(joins, jp)
	}
	// Most selective joins first. Stable so equal joins keep author order.
	sort.SliceStable(joins, func(i, k int) bool {
		return joins[i].Selectivity < joins[k].Selectivity
	})
	plan.Joins = joins

	reordered := make([]Join, len(joins))
	for i, jp := range joins {
		reordered[i] = jp.Join
	}
	plan.Query.Joins = reordered

	plan.EstimatedCost = o.estimateCost(plan)
	plan.Recommendations = o.recommend(plan)

	if o.cacheEnabled {
		o.cachePlan(plan)
	}
	return plan
}

// classifyFilters splits filters into pushdown-eligible and in-process.
// Comparison operators always push down; string operators push down only
// when the backend runs string matching natively; opaque predicates never.
func (o *Optimizer) classifyFilters(sc *schema.Schema, filters []data.Filter) []FilterPlan {
	kind := o.backendKind(sc)
	out := make([]FilterPlan, 0, len(filters))
	for _, f := range filters {
		out = append(out, FilterPlan{Filter: f, Pushdown: pushable(f, kind)})
	}
	return out
}

func pushable(f data.Filter, kind schema.BackendKind) bool {
	switch f.Op {
	case data.OpEquals, data.OpNotEquals,
		data.OpGreaterThan, data.OpGreaterOrEqual,
		data.OpLessThan, data.OpLessOrEqual,
		data.OpIn, data.OpIsNull, data.OpIsNotNull:
		return true
	case data.OpLike, data.OpStartsWith, data.OpEndsWith:
		return kind == schema.KindSQL || kind == schema.KindDocument
	default:
		return false
	}
}

func (o *Optimizer) backendKind(sc *schema.Schema) schema.BackendKind {
	if backend := o.resolver.BackendFor(sc); backend != nil {
		return backend.Kind()
	}
	return schema.KindJSON
}

// joinSelectivity estimates what fraction of rows the join keeps.
func (o *Optimizer) joinSelectivity(j Join) float64 {
	sel := j.Type.baseSelectivity()
	for _, f := range j.Filters {
		sel *= filterSelectivity(f)
	}
	return sel
}

// filterSelectivity is the fixed per-operator selectivity table.
func filterSelectivity(f data.Filter) float64 {
	switch f.Op {
	case data.OpEquals:
		return 0.1
	case data.OpNotEquals:
		return 0.9
	case data.OpGreaterThan, data.OpGreaterOrEqual, data.OpLessThan, data.OpLessOrEqual:
		return 0.3
	case data.OpIn:
		sel := 0.1 * float64(len(f.Values))
		if sel > 0.5 {
			sel = 0.5
		}
		return sel
	case data.OpIsNull:
		return 0.05
	case data.OpIsNotNull:
		return 0.95
	case data.OpLike, data.OpStartsWith, data.OpEndsWith:
		return 0.25
	default:
		return 0.5
	}
}

// estimateCost sums per-schema scan costs: cardinality x avg record size /
// 1000, with a 1.2 factor per join and 1.1 for any sort.
func (o *Optimizer) estimateCost(plan *Plan) float64 {
	rootStats := o.stats.Get(plan.Query.Root.Key, o.backendKind(plan.Query.Root))
	cost := float64(rootStats.Cardinality) * float64(rootStats.AvgRecordSize) / 1000

	for _, jp := range plan.Joins {
		s := o.stats.Get(jp.Join.Schema.Key, o.backendKind(jp.Join.Schema))
		cost += float64(s.Cardinality) * float64(s.AvgRecordSize) / 1000 * 1.2
	}
	if len(plan.Query.Sorts) > 0 {
		cost *= 1.1
	}
	return cost
}

// recommend emits advisory strings for common query smells.
func (o *Optimizer) recommend(plan *Plan) []string {
	var recs []string

	noteEquality := func(sc *schema.Schema, filters []FilterPlan) {
		for _, fp := range filters {
			if fp.Filter.Op != data.OpEquals {
				continue
			}
			if col, ok := sc.Column(fp.Filter.Field); ok && !col.Indexed {
				recs = append(recs, fmt.Sprintf("consider an index on %s.%s for the equality filter", sc.Key, fp.Filter.Field))
			}
		}
	}
	noteEquality(plan.Query.Root, plan.RootFilters)
	for _, jp := range plan.Joins {
		noteEquality(jp.Join.Schema, jp.Filters)
	}

	rootStats := o.stats.Get(plan.Query.Root.Key, o.backendKind(plan.Query.Root))
	if rootStats.Cardinality > largeCardinality && plan.Query.Limit == 0 {
		recs = append(recs, fmt.Sprintf("root schema %s has high cardinality; add a limit", plan.Query.Root.Key))
	}
	if len(plan.Query.Joins) >= 4 {
		recs = append(recs, fmt.Sprintf("query joins %d schemas; consider splitting it", len(plan.Query.Joins)))
	}
	if len(plan.RootFilters) == 0 && !anyJoinFilters(plan.Joins) {
		recs = append(recs, "query has no filters and will scan every row")
	}
	return recs
}

func anyJoinFilters(joins []JoinPlan) bool {
	for _, jp := range joins {
		if len(jp.Filters) > 0 {
			return true
		}
	}
	return false
}

// cachePlan stores the plan, evicting the oldest entry when full.
func (o *Optimizer) cachePlan(plan *Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.plans) >= o.maxPlans {
		var oldestKey string
		var oldestAt time.Time
		for key, p := range o.plans {
			if oldestKey == "" || p.CreatedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = p.CreatedAt
			}
		}
		delete(o.plans, oldestKey)
	}
	o.plans[plan.Signature] = plan
}

// signature canonicalizes a query for plan-cache lookup: root key, join
// sequence, filter fields with operator ordinals, sorts, pagination.
func (o *Optimizer) signature(q Query) string {
	var b strings.Builder
	b.WriteString(q.Root.Key)
	for _, j := range q.Joins {
		fmt.Fprintf(&b, "|j:%s:%d", j.Schema.Key, j.Type)
		writeFilterSig(&b, j.Filters)
	}
	b.WriteString("|r")
	writeFilterSig(&b, q.RootFilters)
	for _, s := range q.Sorts {
		fmt.Fprintf(&b, "|s:%s.%s:%d:%d", s.Schema.Key, s.Field, s.Direction, s.Nulls)
	}
	fmt.Fprintf(&b, "|l:%d|o:%d", q.Limit, q.Offset)
	return b.String()
}

func writeFilterSig(b *strings.Builder, filters []data.Filter) {
	for _, f := range filters {
		fmt.Fprintf(b, ",%s:%d", f.Field, f.Op)
	}
}
