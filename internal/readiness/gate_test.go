package readiness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateReplaysInSubmissionOrder(t *testing.T) {
	g := New("a", "b", "c")

	var order []int
	for i := 0; i < 5; i++ {
		queued := g.Submit(func(err error) {
			require.NoError(t, err)
			order = append(order, i)
		})
		assert.True(t, queued)
	}

	g.Report("a")
	g.Report("b")
	assert.False(t, g.Ready())
	assert.Equal(t, []string{"c"}, g.Pending())
	assert.Empty(t, order)

	g.Report("c")
	assert.True(t, g.Ready())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	queued := g.Submit(func(err error) { order = append(order, 5) })
	assert.False(t, queued)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestGateIgnoresRepeatedAndUnknownReports(t *testing.T) {
	g := New("a", "b")
	g.Report("a")
	g.Report("a")
	g.Report("z")
	assert.False(t, g.Ready())

	select {
	case <-g.Done():
		t.Fatal("gate opened before every store reported")
	default:
	}

	g.Report("b")
	assert.True(t, g.Ready())
	g.Report("b")
	assert.True(t, g.Ready())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGateFailure(t *testing.T) {
	g := New("a", "b")
	loadErr := errors.New("disk gone")

	var got error
	g.Submit(func(err error) { got = err })
	g.Fail("b", loadErr)

	require.ErrorIs(t, got, loadErr)
	assert.False(t, g.Ready())
	require.ErrorIs(t, g.Err(), loadErr)
	require.ErrorIs(t, g.Wait(context.Background()), loadErr)

	// late reports do not reopen a failed gate
	g.Report("a")
	assert.False(t, g.Ready())

	_, err := Do(context.Background(), g, func(context.Context) (int, error) {
		t.Fatal("operation ran on a failed gate")
		return 0, nil
	})
	require.ErrorIs(t, err, loadErr)
}

func TestDoWaitsForReadiness(t *testing.T) {
	g := New("a")

	var (
		wg      sync.WaitGroup
		results = make([]int, 3)
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Do(context.Background(), g, func(context.Context) (int, error) { return i * 10, nil })
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	// give the goroutines time to queue
	require.Eventually(t, func() bool { return g.Queued() == 3 }, time.Second, time.Millisecond)

	g.Report("a")
	wg.Wait()
	assert.Equal(t, []int{0, 10, 20}, results)
}

func TestDoCancelledCallerStillRunsOperation(t *testing.T) {
	g := New("a")
	ctx, cancel := context.WithCancel(context.Background())

	ran := make(chan error, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, g, func(ctx context.Context) (struct{}, error) {
		ran <- ctx.Err()
		return struct{}{}, nil
	})
	require.ErrorIs(t, err, context.Canceled)

	g.Report("a")
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued operation did not run")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	g := New("a")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
