package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	table := NewTable(nil)

	p, err := table.Register(protocol.NumberID(1))
	require.NoError(t, err)
	assert.True(t, table.Has(protocol.NumberID(1)))

	assert.True(t, table.Resolve(protocol.NumberID(1), Outcome{Value: "ok"}))

	value, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 0, table.Len())
}

func TestResolveAtMostOnce(t *testing.T) {
	table := NewTable(nil)
	p, err := table.Register(protocol.StringID("a"))
	require.NoError(t, err)

	assert.True(t, table.Resolve(protocol.StringID("a"), Outcome{Value: "first"}))
	assert.False(t, table.Resolve(protocol.StringID("a"), Outcome{Value: "second"}))

	assert.Equal(t, "first", p.Outcome().Value)
}

func TestResolveUnknownIsNoop(t *testing.T) {
	table := NewTable(nil)
	p, err := table.Register(protocol.NumberID(2))
	require.NoError(t, err)

	assert.False(t, table.Resolve(protocol.NumberID(99), Outcome{Value: "stray"}))
	assert.False(t, table.Resolve(protocol.StringID("2"), Outcome{Value: "wrong kind"}))

	assert.Equal(t, 1, table.Len())
	select {
	case <-p.Done():
		t.Fatal("unrelated entry was resolved")
	default:
	}
}

func TestRegisterDuplicate(t *testing.T) {
	table := NewTable(nil)
	first, err := table.Register(protocol.NumberID(1))
	require.NoError(t, err)

	dup, err := table.Register(protocol.NumberID(1))
	assert.Nil(t, dup)
	assert.True(t, errors.Is(err, ErrDuplicateID))

	// The original entry is untouched.
	assert.True(t, table.Resolve(protocol.NumberID(1), Outcome{Value: "v"}))
	assert.Equal(t, "v", first.Outcome().Value)
}

func TestRegisterSentinel(t *testing.T) {
	table := NewTable(nil)
	_, err := table.Register(protocol.NoID())
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestCancelAll(t *testing.T) {
	table := NewTable(nil)
	p1, err := table.Register(protocol.NumberID(1))
	require.NoError(t, err)
	p2, err := table.Register(protocol.NumberID(2))
	require.NoError(t, err)

	n := table.CancelAll(errors.New("navigated away"))
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, table.Len())

	for _, p := range []*Pending{p1, p2} {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	}

	_, err = table.Register(protocol.NumberID(3))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExpire(t *testing.T) {
	table := NewTable(nil)
	base := time.Now()
	table.now = func() time.Time { return base }

	old, err := table.Register(protocol.NumberID(1))
	require.NoError(t, err)

	table.now = func() time.Time { return base.Add(20 * time.Second) }
	fresh, err := table.Register(protocol.NumberID(2))
	require.NoError(t, err)

	assert.Zero(t, table.Expire(base.Add(5*time.Second), 10*time.Second))
	assert.Equal(t, 1, table.Expire(base.Add(20*time.Second), 10*time.Second))
	assert.ErrorIs(t, old.Outcome().Err, ErrTimeout)
	assert.True(t, table.Has(fresh.ID()))
}

func TestWaitHonoursContext(t *testing.T) {
	table := NewTable(nil)
	p, err := table.Register(protocol.NumberID(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, table.Has(protocol.NumberID(1)))
}

func TestConcurrentResolveDeliversToMatchingCaller(t *testing.T) {
	table := NewTable(nil)
	const n = 200

	handles := make([]*Pending, n)
	for i := 0; i < n; i++ {
		p, err := table.Register(protocol.NumberID(int64(i)))
		require.NoError(t, err)
		handles[i] = p
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			table.Resolve(protocol.NumberID(int64(i)), Outcome{Value: fmt.Sprintf("v%d", i)})
		}(i)
		// Racing duplicate resolution must lose.
		go func(i int) {
			defer wg.Done()
			table.Resolve(protocol.NumberID(int64(i)), Outcome{Value: fmt.Sprintf("v%d", i)})
		}(i)
	}
	wg.Wait()

	for i, p := range handles {
		assert.Equal(t, fmt.Sprintf("v%d", i), p.Outcome().Value)
	}
	assert.Equal(t, 0, table.Len())
}
