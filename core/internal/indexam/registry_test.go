package indexam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, "regular", r.Default().Name)
	assert.Len(t, r.All(), 6)

	for _, name := range []string{"regular", "composite", "text", "hashed", "2dsphere", "vector"} {
		e, ok := r.ByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, e.Name)
	}
	_, ok := r.ByName("btree")
	assert.False(t, ok)
}

func TestRegisterLimits(t *testing.T) {
	r := DefaultRegistry()
	err := r.Register(&Entry{Name: "extra"})
	require.Error(t, err)

	r2 := NewRegistry(NewRegularAM())
	err = r2.Register(NewRegularAM())
	assert.Error(t, err, "duplicate name")
}

func TestCapabilityPredicates(t *testing.T) {
	reg := NewRegularAM()
	comp := NewCompositeAM()
	text := NewTextAM()

	assert.True(t, IsRegularBSONIndexAM(reg))
	assert.False(t, IsRegularBSONIndexAM(comp))
	assert.False(t, IsRegularBSONIndexAM(text))

	of, ok := reg.OpFamilies(ClassSinglePath)
	require.True(t, ok)
	assert.True(t, RequiresRangeOptimization(reg, of))

	cf, ok := comp.OpFamilies(ClassComposite)
	require.True(t, ok)
	assert.True(t, IsCompositeOpFamily(comp, cf))
	assert.False(t, IsCompositeOpFamily(text, cf))
	assert.True(t, SupportsParallelScans(comp, cf))
	assert.False(t, SupportsParallelScans(reg, of))

	assert.True(t, IsOrderBySupportedOnOpClass(reg, ClassSinglePath))
	assert.False(t, IsOrderBySupportedOnOpClass(text, ClassSinglePath))
}

func TestIndexOnlyScanCallbacks(t *testing.T) {
	reg := NewRegularAM()
	of, _ := reg.OpFamilies(ClassSinglePath)
	ok, mk, tr := SupportsIndexOnlyScan(reg, of)
	require.True(t, ok)
	assert.False(t, mk("idx"))
	assert.False(t, tr("idx"))

	truncated := NewRegularAM()
	truncated.Truncation = func(name string) bool { return name == "big" }
	_, _, tr = SupportsIndexOnlyScan(truncated, of)
	assert.True(t, tr("big"))
	assert.False(t, tr("small"))

	text := NewTextAM()
	ok, _, _ = SupportsIndexOnlyScan(text, of)
	assert.False(t, ok)
}

func TestSelectRegistrationOrderTieBreak(t *testing.T) {
	r := DefaultRegistry()
	// both "composite" and "regular" claim composite; default wins, then
	// registration order
	e, ok := r.Select(func(e *Entry) bool { return e.Caps.Composite })
	require.True(t, ok)
	assert.Equal(t, "regular", e.Name)

	e, ok = r.Select(func(e *Entry) bool { return e.Caps.ParallelScan })
	require.True(t, ok)
	assert.Equal(t, "composite", e.Name)

	_, ok = r.Select(func(e *Entry) bool { return false })
	assert.False(t, ok)
}

func TestNegationStrategies(t *testing.T) {
	for _, s := range []Strategy{StrategyNotEqual, StrategyNotIn, StrategyNotGt, StrategyNotGte, StrategyNotLt, StrategyNotLte} {
		assert.True(t, s.IsNegation(), s.String())
	}
	for _, s := range []Strategy{StrategyEqual, StrategyRange, StrategyOrderBy, StrategyGeoNear} {
		assert.False(t, s.IsNegation(), s.String())
	}
}

func TestStrategyForOp(t *testing.T) {
	s, ok := StrategyForOp("$gte")
	require.True(t, ok)
	assert.Equal(t, StrategyGreaterEqual, s)
	_, ok = StrategyForOp("$unknown")
	assert.False(t, ok)
}
