package registers

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "token_address")
	require.NoError(t, err)
	assert.False(t, ok, "absent register must report false")

	require.NoError(t, s.Set(ctx, "token_address", "0xabc", "token_lookup"))
	e, ok, err := s.Get(ctx, "token_address")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0xabc", e.Value)
	assert.Equal(t, "0xabc", e.String())
	assert.Equal(t, "token_lookup", e.Source)
	assert.Equal(t, "token_address", e.Name)
	assert.False(t, e.UpdatedAt.IsZero())
}

func TestMemoryStoreRejectsEmptyName(t *testing.T) {
	err := NewMemoryStore().Set(context.Background(), "", 1, "x")
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestMemoryStoreDiscard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "a", 1, "t"))
	require.NoError(t, s.Discard(ctx))
	assert.Equal(t, 0, s.Len())
	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryStoreConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Set(ctx, "shared", i, "writer")
			_, _, _ = s.Get(ctx, "shared")
		}(i)
	}
	wg.Wait()
	_, ok, _ := s.Get(ctx, "shared")
	assert.True(t, ok)
}

func TestMemoryStoreLastWriteWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("get returns the last value set", prop.ForAll(
		func(name string, values []string) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			for _, v := range values {
				if err := s.Set(ctx, name, v, "prop"); err != nil {
					return false
				}
			}
			e, ok, err := s.Get(ctx, name)
			if err != nil || !ok {
				return false
			}
			return e.Value == values[len(values)-1]
		},
		gen.Identifier(),
		gen.SliceOfN(5, gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
	))

	properties.Property("unset names are absent", prop.ForAll(
		func(set, other string) bool {
			if set == other {
				return true
			}
			ctx := context.Background()
			s := NewMemoryStore()
			_ = s.Set(ctx, set, "v", "prop")
			_, ok, err := s.Get(ctx, other)
			return err == nil && !ok
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestMemoryFactoryReturnsFreshStores(t *testing.T) {
	ctx := context.Background()
	f := MemoryFactory()
	a, err := f(ctx, "run-a")
	require.NoError(t, err)
	b, err := f(ctx, "run-b")
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "x", "1", "t"))
	_, ok, _ := b.Get(ctx, "x")
	assert.False(t, ok, "runs must not share registers")
}
