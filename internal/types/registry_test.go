package types

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind_SameTypeIsIdentity(t *testing.T) {
	r := Builtin()

	for _, v := range []struct {
		name Name
		val  any
	}{
		{String, "hello"},
		{Int, int64(42)},
		{Double, 2.5},
		{Boolean, true},
		{List, []any{int64(1), "x"}},
	} {
		chain, err := r.Find(v.name, v.name)
		require.NoError(t, err)
		assert.True(t, chain.Identity(), "%s -> %s", v.name, v.name)

		out, err := chain.Convert(v.val)
		require.NoError(t, err)
		assert.True(t, Equal(v.val, out))
	}
}

func TestFind_SynonymsAreNoOp(t *testing.T) {
	r := Builtin()

	chain, err := r.Find("str", "xs:string")
	require.NoError(t, err)
	assert.True(t, chain.Identity())

	chain, err = r.Find("int", "xs:long")
	require.NoError(t, err)
	assert.True(t, chain.Identity())

	assert.Equal(t, Int, r.Canonical("integer"))
	assert.Equal(t, Name("py:list[xs:int]"), r.Canonical("list[int]"))
}

func TestRegisterSynonyms_MergesClasses(t *testing.T) {
	r := NewRegistry()
	r.RegisterSynonyms("a:x", "a:y")
	r.RegisterSynonyms("b:z", "a:y")

	assert.True(t, r.Same("a:x", "b:z"))
	assert.Equal(t, r.Canonical("a:x"), r.Canonical("b:z"))
}

func TestFind_DirectPair(t *testing.T) {
	r := Builtin()

	chain, err := r.Find(Int, Double)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())

	out, err := chain.Convert(int64(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)
}

func TestFind_ChainStringToInt(t *testing.T) {
	r := Builtin()

	chain, err := r.Find(String, Int)
	require.NoError(t, err)
	assert.Equal(t, []Name{String, Double, Int}, chain.Path())

	out, err := chain.Convert("7km")
	require.NoError(t, err)
	assert.Equal(t, int64(7), out)
}

func TestChain_EqualsComposedLinks(t *testing.T) {
	r := NewRegistry()
	ab := func(v any) (any, error) { return v.(string) + "b", nil }
	bc := func(v any) (any, error) { return v.(string) + "c", nil }
	r.Register("t:a", "t:b", ab)
	r.Register("t:b", "t:c", bc)

	chain, err := r.Find("t:a", "t:c")
	require.NoError(t, err)
	assert.Equal(t, "t:a -> t:b -> t:c", chain.String())

	viaChain, err := chain.Convert("x")
	require.NoError(t, err)

	step1, _ := ab("x")
	step2, _ := bc(step1)
	assert.Equal(t, step2, viaChain)
}

func TestFind_FirstChainByRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("t:a", "t:b", func(v any) (any, error) { return "via-b", nil })
	r.Register("t:a", "t:c", func(v any) (any, error) { return "via-c", nil })
	r.Register("t:b", "t:d", func(v any) (any, error) { return v, nil })
	r.Register("t:c", "t:d", func(v any) (any, error) { return v, nil })

	out, err := r.Convert("x", "t:a", "t:d")
	require.NoError(t, err)
	assert.Equal(t, "via-b", out)
}

func TestFind_WildcardHasLowestPriority(t *testing.T) {
	r := NewRegistry()
	r.Register(Wildcard, "t:z", func(v any) (any, error) { return "wild", nil })
	r.Register("t:a", "t:b", func(v any) (any, error) { return "explicit", nil })
	r.Register("t:b", "t:z", func(v any) (any, error) { return v, nil })

	out, err := r.Convert("x", "t:a", "t:z")
	require.NoError(t, err)
	assert.Equal(t, "explicit", out)

	out, err = r.Convert("x", "t:q", "t:z")
	require.NoError(t, err)
	assert.Equal(t, "wild", out)
}

func TestFind_NoConversion(t *testing.T) {
	r := NewRegistry()
	r.Register("t:a", "t:b", func(v any) (any, error) { return v, nil })

	_, err := r.Find("t:b", "t:a")
	require.Error(t, err)
	assert.True(t, IsNoConversion(err))
	assert.True(t, IsAdaptation(err))
}

func TestChain_CandidatesFallBackInOrder(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("t:a", "t:b", func(v any) (any, error) {
		calls++
		return nil, errors.New("first fails")
	})
	r.Register("t:a", "t:b", func(v any) (any, error) {
		calls++
		panic("second panics")
	})
	r.Register("t:a", "t:b", func(v any) (any, error) {
		calls++
		return "third", nil
	})

	out, err := r.Convert("x", "t:a", "t:b")
	require.NoError(t, err)
	assert.Equal(t, "third", out)
	assert.Equal(t, 3, calls)
}

func TestChain_AllCandidatesFail(t *testing.T) {
	r := NewRegistry()
	r.Register("t:a", "t:b", func(v any) (any, error) { return nil, errors.New("nope") })
	r.Register("t:a", "t:b", func(v any) (any, error) { panic("boom") })

	_, err := r.Convert("x", "t:a", "t:b")
	require.Error(t, err)

	var ae *AdaptationError
	require.ErrorAs(t, err, &ae)
	assert.Len(t, ae.Causes, 2)
	assert.Equal(t, "t:a -> t:b", ae.Link)
	assert.Contains(t, ae.Error(), "boom")
}

func TestRegister_InvalidatesMemoizedChains(t *testing.T) {
	r := NewRegistry()
	r.Register("t:a", "t:b", func(v any) (any, error) { return "long", nil })
	r.Register("t:b", "t:c", func(v any) (any, error) { return v, nil })

	chain, err := r.Find("t:a", "t:c")
	require.NoError(t, err)
	assert.Equal(t, 2, chain.Len())

	r.Register("t:a", "t:c", func(v any) (any, error) { return "direct", nil })
	chain, err = r.Find("t:a", "t:c")
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())
}

func TestAdapt_ListElementConversion(t *testing.T) {
	r := Builtin()

	out, err := r.Adapt([]any{int64(0), int64(1), int64(2)}, "py:list[xs:double]")
	require.NoError(t, err)
	assert.Equal(t, []any{0.0, 1.0, 2.0}, out)

	out, err = r.Adapt([]any{"1.5", "2"}, "list[int]")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, out)
}

func TestAdapt_WrapsScalarIntoList(t *testing.T) {
	r := Builtin()

	out, err := r.Adapt(int64(4), List)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4)}, out)
}

func TestLiteral(t *testing.T) {
	r := Builtin()

	v, err := r.Literal("2", Int)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = r.Literal("[1, 2.5, \"x\"]", List)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 2.5, "x"}, v)

	v, err = r.Literal("true", "bool")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = r.Literal("/tmp/data.hdf", "file")
	require.NoError(t, err)
	assert.Equal(t, File{Path: "/tmp/data.hdf"}, v)

	_, err = r.Literal("abc", Int)
	require.Error(t, err)
	assert.True(t, IsAdaptation(err))
}

func TestLiteral_IntegersKeepFullPrecision(t *testing.T) {
	r := Builtin()

	v, err := r.Literal("9007199254740993", Int)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v)

	v, err = r.Literal(" -9223372036854775808 ", "integer")
	require.NoError(t, err)
	assert.Equal(t, int64(-9223372036854775808), v)

	v, err = r.Literal("7km", Int)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestLiteral_IntOutOfRange(t *testing.T) {
	r := Builtin()

	for _, text := range []string{"1e30", "-1e30", "9223372036854775808"} {
		_, err := r.Literal(text, Int)
		require.Error(t, err, text)
		assert.True(t, IsAdaptation(err), text)
	}
}

func TestFind_ConcurrentRegisterNeverLeavesStaleChain(t *testing.T) {
	for range 50 {
		r := NewRegistry()
		id := func(v any) (any, error) { return v, nil }
		r.Register("t:a", "t:b", id)
		r.Register("t:b", "t:c", id)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 20 {
				_, _ = r.Find("t:a", "t:c")
			}
		}()
		go func() {
			defer wg.Done()
			r.Register("t:a", "t:c", id)
		}()
		wg.Wait()

		chain, err := r.Find("t:a", "t:c")
		require.NoError(t, err)
		assert.Equal(t, 1, chain.Len())
	}
}

func TestClone_IsIndependent(t *testing.T) {
	base := NewRegistry()
	base.Register("t:a", "t:b", func(v any) (any, error) { return v, nil })

	c := base.Clone()
	c.Register("t:b", "t:c", func(v any) (any, error) { return v, nil })

	_, err := c.Find("t:a", "t:c")
	require.NoError(t, err)
	_, err = base.Find("t:a", "t:c")
	assert.True(t, IsNoConversion(err))
}

func TestFind_AnyTargetAcceptsEverything(t *testing.T) {
	r := Builtin()

	chain, err := r.Find(Dict, Any)
	require.NoError(t, err)
	assert.True(t, chain.Identity())

	out, err := r.Adapt(map[string]any{"k": "v"}, Any)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)
}
