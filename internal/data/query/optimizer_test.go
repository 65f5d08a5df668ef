package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// kindBackend is a stub whose only meaningful answer is Kind.
type kindBackend struct {
	kind schema.BackendKind
}

func (b kindBackend) Load(context.Context, string, *schema.Schema) (data.Row, error) {
	return nil, data.ErrNotFound
}

func (b kindBackend) Save(context.Context, string, *schema.Schema, data.Row) error { return nil }

func (b kindBackend) Delete(context.Context, string, *schema.Schema) error { return nil }

func (b kindBackend) LoadOrCreate(context.Context, string, *schema.Schema) (data.Row, error) {
	return nil, data.ErrNotFound
}

func (b kindBackend) SaveBatch(context.Context, map[string]map[*schema.Schema]data.Row) (int, error) {
	return 0, nil
}

func (b kindBackend) SaveChangedFields(context.Context, string, *schema.Schema, data.Row, []string) error {
	return nil
}

func (b kindBackend) Query(context.Context, *schema.Schema, []data.Filter, int, int) ([]data.Row, error) {
	return nil, nil
}

func (b kindBackend) SupportsNativeQueries() bool { return b.kind == schema.KindSQL }

func (b kindBackend) Kind() schema.BackendKind { return b.kind }

// mapResolver routes schemas to backends by key.
type mapResolver map[string]data.PlayerDataBackend

func (r mapResolver) BackendFor(sc *schema.Schema) data.PlayerDataBackend { return r[sc.Key] }

func testSchema(key string, indexed ...string) *schema.Schema {
	sc := &schema.Schema{Key: key, Table: key, PrimaryKey: "uuid"}
	cols := []schema.Column{
		{Name: "level", Type: schema.TypeInt},
		{Name: "name", Type: schema.TypeString},
	}
	for i := range cols {
		for _, idx := range indexed {
			if cols[i].Name == idx {
				cols[i].Indexed = true
			}
		}
	}
	sc.Columns = cols
	return sc
}

func sqlResolver(schemas ...*schema.Schema) mapResolver {
	r := mapResolver{}
	for _, sc := range schemas {
		r[sc.Key] = kindBackend{kind: schema.KindSQL}
	}
	return r
}

func TestPushdownClassification(t *testing.T) {
	root := testSchema("profiles")
	jsonSchema := testSchema("prefs")
	resolver := mapResolver{
		"profiles": kindBackend{kind: schema.KindSQL},
		"prefs":    kindBackend{kind: schema.KindJSON},
	}
	opt := NewOptimizer(NewStatsCache(0), resolver)

	q := NewBuilder(root).
		Where(data.Filter{Field: "level", Op: data.OpGreaterThan, Value: 10}).
		Where(data.Filter{Field: "name", Op: data.OpLike, Value: "a%"}).
		Where(data.Filter{Op: data.OpCustom, Predicate: func(data.Row) bool { return true }}).
		Join(jsonSchema, JoinLeft, data.Filter{Field: "name", Op: data.OpStartsWith, Value: "x"}).
		Build()

	plan := opt.Optimize(q)
	require.Len(t, plan.RootFilters, 3)
	assert.True(t, plan.RootFilters[0].Pushdown, "range pushes down everywhere")
	assert.True(t, plan.RootFilters[1].Pushdown, "LIKE pushes down on SQL")
	assert.False(t, plan.RootFilters[2].Pushdown, "opaque predicate never pushes down")

	require.Len(t, plan.Joins, 1)
	assert.False(t, plan.Joins[0].Filters[0].Pushdown, "string op stays in process on a JSON backend")
}

func TestJoinReorderingBySelectivity(t *testing.T) {
	root := testSchema("profiles")
	a := testSchema("achievements")
	s := testSchema("stats")
	opt := NewOptimizer(NewStatsCache(0), sqlResolver(root, a, s))

	// achievements: LEFT, no filters -> 0.8. stats: INNER with an EQUALS
	// filter -> 0.5 x 0.1 = 0.05. stats must run first.
	q := NewBuilder(root).
		Join(a, JoinLeft).
		Join(s, JoinInner, data.Filter{Field: "level", Op: data.OpEquals, Value: 5}).
		Build()

	plan := opt.Optimize(q)
	require.Len(t, plan.Query.Joins, 2)
	assert.Equal(t, "stats", plan.Query.Joins[0].Schema.Key)
	assert.Equal(t, "achievements", plan.Query.Joins[1].Schema.Key)
	assert.Less(t, plan.Joins[0].Selectivity, plan.Joins[1].Selectivity)
}

func TestPlanCacheHitAndExpiry(t *testing.T) {
	root := testSchema("profiles")
	opt := NewOptimizer(NewStatsCache(0), sqlResolver(root))

	base := time.Now()
	opt.now = func() time.Time { return base }

	q := NewBuilder(root).Where(data.Filter{Field: "level", Op: data.OpEquals, Value: 1}).Build()
	first := opt.Optimize(q)
	second := opt.Optimize(q)
	assert.Same(t, first, second, "identical query hits the plan cache")

	opt.now = func() time.Time { return base.Add(planTTL + time.Second) }
	third := opt.Optimize(q)
	assert.NotSame(t, first, third, "expired plan is rebuilt")
}

func TestCostEstimate(t *testing.T) {
	root := testSchema("profiles")
	s := testSchema("stats")
	stats := NewStatsCache(0)
	stats.Set("profiles", Stats{Cardinality: 1000, AvgRecordSize: 100})
	stats.Set("stats", Stats{Cardinality: 2000, AvgRecordSize: 50})
	opt := NewOptimizer(stats, sqlResolver(root, s))

	q := NewBuilder(root).Join(s, JoinInner).Build()
	plan := opt.Optimize(q)
	// 1000*100/1000 + 2000*50/1000*1.2 = 100 + 120
	assert.InDelta(t, 220, plan.EstimatedCost, 0.001)

	sorted := NewBuilder(root).Join(s, JoinInner).
		OrderBy(root, "level", data.Descending, data.NullsDefault).
		Build()
	plan = opt.Optimize(sorted)
	assert.InDelta(t, 242, plan.EstimatedCost, 0.001, "sorting adds 10 percent")
}

func TestRecommendations(t *testing.T) {
	root := testSchema("profiles") // "level" not indexed
	opt := NewOptimizer(NewStatsCache(0), sqlResolver(root))

	q := NewBuilder(root).Where(data.Filter{Field: "level", Op: data.OpEquals, Value: 1}).Build()
	plan := opt.Optimize(q)
	require.NotEmpty(t, plan.Recommendations)
	assert.Contains(t, plan.Recommendations[0], "profiles.level")

	// An indexed field draws no recommendation.
	indexed := testSchema("ranked", "level")
	opt2 := NewOptimizer(NewStatsCache(0), sqlResolver(indexed))
	plan = opt2.Optimize(NewBuilder(indexed).
		Where(data.Filter{Field: "level", Op: data.OpEquals, Value: 1}).
		Build())
	assert.Empty(t, plan.Recommendations)

	// No filters at all.
	plan = opt.Optimize(NewBuilder(root).Build())
	require.Len(t, plan.Recommendations, 1)
	assert.Contains(t, plan.Recommendations[0], "no filters")

	// Four joins.
	j1, j2, j3, j4 := testSchema("j1"), testSchema("j2"), testSchema("j3"), testSchema("j4")
	opt3 := NewOptimizer(NewStatsCache(0), sqlResolver(root, j1, j2, j3, j4))
	plan = opt3.Optimize(NewBuilder(root).
		Where(data.Filter{Field: "level", Op: data.OpGreaterThan, Value: 0}).
		Join(j1, JoinInner).Join(j2, JoinInner).Join(j3, JoinInner).Join(j4, JoinInner).
		Build())
	require.NotEmpty(t, plan.Recommendations)
	assert.Contains(t, plan.Recommendations[len(plan.Recommendations)-1], "joins 4 schemas")
}

func TestHighCardinalityWithoutLimit(t *testing.T) {
	root := testSchema("events")
	stats := NewStatsCache(0)
	stats.Set("events", Stats{Cardinality: 500_000, AvgRecordSize: 100})
	opt := NewOptimizer(stats, sqlResolver(root))

	plan := opt.Optimize(NewBuilder(root).
		Where(data.Filter{Field: "level", Op: data.OpGreaterThan, Value: 1}).
		Build())
	require.NotEmpty(t, plan.Recommendations)
	assert.Contains(t, plan.Recommendations[0], "add a limit")

	plan = opt.Optimize(NewBuilder(root).
		Where(data.Filter{Field: "level", Op: data.OpGreaterThan, Value: 1}).
		Limit(100).
		Build())
	assert.Empty(t, plan.Recommendations)
}

func TestFilterSelectivityTable(t *testing.T) {
	cases := []struct {
		f    data.Filter
		want float64
	}{
		{data.Filter{Op: data.OpEquals}, 0.1},
		{data.Filter{Op: data.OpNotEquals}, 0.9},
		{data.Filter{Op: data.OpGreaterThan}, 0.3},
		{data.Filter{Op: data.OpIn, Values: []any{1, 2, 3}}, 0.3},
		{data.Filter{Op: data.OpIn, Values: []any{1, 2, 3, 4, 5, 6, 7}}, 0.5},
		{data.Filter{Op: data.OpIsNull}, 0.05},
		{data.Filter{Op: data.OpIsNotNull}, 0.95},
		{data.Filter{Op: data.OpLike}, 0.25},
		{data.Filter{Op: data.OpCustom}, 0.5},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, filterSelectivity(tc.f), 0.0001)
	}
}
