package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"shm-discovery/bounded"
	"shm-discovery/service"
)

func desc(s, i, e string) service.Description {
	return service.MustDescription(s, i, e)
}

func query(t *testing.T, s, i, e string) service.Query {
	t.Helper()
	q, err := service.ParseQuery(s, i, e)
	require.NoError(t, err)
	return q
}

func TestOfferThenFindExact(t *testing.T) {
	r := New()
	d := desc("svc", "inst", "evt")
	require.NoError(t, r.Offer(d))

	found, err := r.Find(service.ExactQuery(d))
	require.NoError(t, err)
	assert.Equal(t, []service.Description{d}, found.Values())

	r.StopOffer(d)
	found, err = r.Find(service.ExactQuery(d))
	require.NoError(t, err)
	assert.True(t, found.Empty())
}

func TestFindKeepsOfferOrder(t *testing.T) {
	r := New()
	first := desc("svc", "inst", "evt")
	second := desc("svc", "inst2", "evt2")
	require.NoError(t, r.Offer(first))
	require.NoError(t, r.Offer(second))

	found, err := r.Find(query(t, "svc", "*", "*"))
	require.NoError(t, err)
	assert.Equal(t, []service.Description{first, second}, found.Values())
}

func TestFindWildcardCombinations(t *testing.T) {
	r := New()
	e1 := desc("a", "x", "e1")
	e2 := desc("a", "x", "e2")
	require.NoError(t, r.Offer(e1))
	require.NoError(t, r.Offer(e2))

	found, err := r.Find(query(t, "a", "x", "*"))
	require.NoError(t, err)
	assert.Equal(t, []service.Description{e1, e2}, found.Values())

	found, err = r.Find(query(t, "*", "x", "e1"))
	require.NoError(t, err)
	assert.Equal(t, []service.Description{e1}, found.Values())

	found, err = r.Find(query(t, "b", "*", "*"))
	require.NoError(t, err)
	assert.True(t, found.Empty())
}

func TestReofferAfterStopMovesToEnd(t *testing.T) {
	r := New()
	a, b := desc("s", "a", "e"), desc("s", "b", "e")
	require.NoError(t, r.Offer(a))
	require.NoError(t, r.Offer(b))
	r.StopOffer(a)
	require.NoError(t, r.Offer(a))

	found, err := r.Find(service.AnyQuery)
	require.NoError(t, err)
	assert.Equal(t, []service.Description{b, a}, found.Values())
	assert.Equal(t, a, found.At(1))
}

func TestStopOfferUnknownIsNoop(t *testing.T) {
	r := New()
	before := r.ChangeCounter().Load()
	r.StopOffer(desc("never", "offered", "x"))
	assert.Equal(t, before, r.ChangeCounter().Load())
	assert.Equal(t, 0, r.Len())
}

func TestChangeCounterTransitions(t *testing.T) {
	r := New()
	c := r.ChangeCounter()
	c0 := c.Load()
	d := desc("svc", "inst", "evt")

	require.NoError(t, r.Offer(d))
	assert.Equal(t, c0+1, c.Load())

	// Second reference does not cross 0/1.
	require.NoError(t, r.Offer(d))
	assert.Equal(t, c0+1, c.Load())
	assert.EqualValues(t, 2, r.References(d))

	r.StopOffer(d)
	assert.Equal(t, c0+1, c.Load())
	found, err := r.Find(service.ExactQuery(d))
	require.NoError(t, err)
	assert.Equal(t, 1, found.Len())

	r.StopOffer(d)
	assert.Equal(t, c0+2, c.Load())
	assert.EqualValues(t, 0, r.References(d))
}

func TestRegistryFull(t *testing.T) {
	r := New(WithCapacity(2))
	require.NoError(t, r.Offer(desc("s", "1", "e")))
	require.NoError(t, r.Offer(desc("s", "2", "e")))
	before := r.ChangeCounter().Load()

	err := r.Offer(desc("s", "3", "e"))
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.Equal(t, before, r.ChangeCounter().Load())

	// Already-present descriptions can still gain references.
	require.NoError(t, r.Offer(desc("s", "1", "e")))

	r.StopOffer(desc("s", "2", "e"))
	require.NoError(t, r.Offer(desc("s", "3", "e")))
	assert.Equal(t, 2, r.Len())
}

func TestFindOverflowIsAllOrNothing(t *testing.T) {
	const m = 4
	r := New(WithCapacity(16), WithResultCapacity(m))
	for i := 0; i < m; i++ {
		require.NoError(t, r.Offer(desc("s", fmt.Sprintf("i%d", i), "foo")))
	}

	found, err := r.Find(query(t, "s", "*", "*"))
	require.NoError(t, err)
	require.Equal(t, m, found.Len())
	for i := 0; i < m; i++ {
		assert.Equal(t, fmt.Sprintf("i%d", i), found.At(i).Instance().String())
	}

	require.NoError(t, r.Offer(desc("s", fmt.Sprintf("i%d", m), "foo")))
	found, err = r.Find(query(t, "s", "*", "*"))
	assert.ErrorIs(t, err, bounded.ErrOverflow)
	assert.Nil(t, found)

	// A narrower query still succeeds.
	found, err = r.Find(query(t, "s", "i2", "*"))
	require.NoError(t, err)
	assert.Equal(t, 1, found.Len())
}

func TestFindIntoReusesBuffer(t *testing.T) {
	r := New(WithResultCapacity(1))
	require.NoError(t, r.Offer(desc("s", "a", "e")))
	require.NoError(t, r.Offer(desc("s", "b", "e")))

	dst := bounded.New[service.Description](1)
	require.NoError(t, r.FindInto(dst, query(t, "*", "a", "*")))
	assert.Equal(t, 1, dst.Len())

	assert.ErrorIs(t, r.FindInto(dst, service.AnyQuery), bounded.ErrOverflow)
	assert.True(t, dst.Empty())
}

func TestConcurrentOfferAndFind(t *testing.T) {
	r := New(WithCapacity(64), WithResultCapacity(64))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			d := desc("svc", fmt.Sprintf("w%d", w), "evt")
			for i := 0; i < 200; i++ {
				assert.NoError(t, r.Offer(d))
				found, err := r.Find(service.ExactQuery(d))
				assert.NoError(t, err)
				assert.Equal(t, 1, found.Len())
				r.StopOffer(d)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.EqualValues(t, 8*200*2, r.ChangeCounter().Load())
}

// TestRegistryModel checks the arena against a plain slice-based model.
func TestRegistryModel(t *testing.T) {
	names := []string{"a", "b", "c"}
	rapid.Check(t, func(rt *rapid.T) {
		const n, m = 6, 4
		r := New(WithCapacity(n), WithResultCapacity(m))

		type entry struct {
			d    service.Description
			refs int
		}
		var model []entry
		var counter uint64

		indexOf := func(d service.Description) int {
			for i, e := range model {
				if e.d == d {
					return i
				}
			}
			return -1
		}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for step := 0; step < steps; step++ {
			d := desc(
				rapid.SampledFrom(names).Draw(rt, "s"),
				rapid.SampledFrom(names).Draw(rt, "i"),
				rapid.SampledFrom(names).Draw(rt, "e"),
			)
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				err := r.Offer(d)
				if i := indexOf(d); i >= 0 {
					model[i].refs++
				} else if len(model) == n {
					if err == nil {
						rt.Fatalf("offer %s into full registry succeeded", d)
					}
					continue
				} else {
					model = append(model, entry{d: d, refs: 1})
					counter++
				}
				if err != nil {
					rt.Fatalf("offer %s: %v", d, err)
				}
			case 1:
				r.StopOffer(d)
				if i := indexOf(d); i >= 0 {
					model[i].refs--
					if model[i].refs == 0 {
						model = append(model[:i], model[i+1:]...)
						counter++
					}
				}
			case 2:
				q := service.Query{Service: d.Service(), Instance: service.Wildcard, Event: d.Event()}
				if rapid.Bool().Draw(rt, "any") {
					q = service.AnyQuery
				}
				var want []service.Description
				for _, e := range model {
					if e.d.Matches(q) {
						want = append(want, e.d)
					}
				}
				got, err := r.Find(q)
				if len(want) > m {
					if err == nil {
						rt.Fatalf("find %s: expected overflow, got %d results", q, got.Len())
					}
					continue
				}
				if err != nil {
					rt.Fatalf("find %s: %v", q, err)
				}
				if len(want) == 0 {
					want = []service.Description{}
				}
				assert.Equal(rt, want, got.Values())
			}
			if r.ChangeCounter().Load() != counter {
				rt.Fatalf("counter = %d, want %d", r.ChangeCounter().Load(), counter)
			}
			if r.Len() != len(model) {
				rt.Fatalf("len = %d, want %d", r.Len(), len(model))
			}
		}
	})
}
