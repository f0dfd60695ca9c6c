package urlcache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetPut(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	_, found := c.Get("foo")
	require.False(t, found)

	c.Put("foo", "https://example.com/video.mp4", time.Minute)
	value, found := c.Get("foo")
	require.True(t, found)
	require.Equal(t, "https://example.com/video.mp4", value)
}

func TestExpiry(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	c.Put("foo", "bar", 10*time.Millisecond)
	_, found := c.Get("foo")
	require.True(t, found)

	time.Sleep(50 * time.Millisecond)
	_, found = c.Get("foo")
	require.False(t, found)
	require.Equal(t, 0, c.Len())
}

func TestCapacityEviction(t *testing.T) {
	c := New(NewOptions(3, 10), zap.NewNop())
	defer c.Teardown()

	c.Put("1", "a", time.Minute)
	c.Put("2", "b", time.Minute)
	c.Put("3", "c", time.Minute)
	c.Put("4", "d", time.Minute)

	require.Equal(t, 3, c.Len())
	_, found := c.Get("1")
	require.False(t, found, "oldest entry should have been evicted")
	for _, key := range []string{"2", "3", "4"} {
		_, found := c.Get(key)
		require.True(t, found)
	}
}

func TestReinsertionReplacesTimer(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	c.Put("foo", "old", 20*time.Millisecond)
	c.Put("foo", "new", time.Minute)

	// The first entry's timer fires around now; the new entry must survive it
	time.Sleep(60 * time.Millisecond)
	value, found := c.Get("foo")
	require.True(t, found)
	require.Equal(t, "new", value)
}

func TestResolveOnceCoalesces(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	var fetchCount int32
	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&fetchCount, 1)
		time.Sleep(50 * time.Millisecond)
		return "resolved", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ResolveOnce(context.Background(), "key", time.Minute, fetch)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&fetchCount))
	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "resolved", results[i])
	}

	// An eleventh call within the TTL comes from the cache
	value, err := c.ResolveOnce(context.Background(), "key", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, "resolved", value)
	require.Equal(t, int32(1), atomic.LoadInt32(&fetchCount))
}

func TestResolveOnceErrorNotCached(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	var fetchCount int32
	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&fetchCount, 1)
		return "", errors.New("upstream broken")
	}

	_, err := c.ResolveOnce(context.Background(), "key", time.Minute, fetch)
	require.Error(t, err)

	// The failure must not have been cached - the next call fetches again
	_, err = c.ResolveOnce(context.Background(), "key", time.Minute, fetch)
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&fetchCount))
}

func TestResolveOnceWaiterCancellation(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "resolved", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	// First waiter keeps waiting, second waiter gets cancelled
	firstResult := make(chan string, 1)
	go func() {
		value, _ := c.ResolveOnce(context.Background(), "key", time.Minute, fetch)
		firstResult <- value
	}()
	time.Sleep(20 * time.Millisecond)

	cancelCtx, cancel := context.WithCancel(context.Background())
	secondErr := make(chan error, 1)
	go func() {
		_, err := c.ResolveOnce(cancelCtx, "key", time.Minute, fetch)
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-secondErr, context.Canceled)

	// The shared fetch must still be alive because the first waiter remains
	close(release)
	select {
	case value := <-firstResult:
		require.Equal(t, "resolved", value)
	case <-time.After(time.Second):
		t.Fatal("first waiter never got a result")
	}
}

func TestResolveOnceLastWaiterCancelsFetch(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	defer c.Teardown()

	fetchCancelled := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(fetchCancelled)
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		_, err := c.ResolveOnce(ctx, "key", time.Minute, fetch)
		errChan <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errChan, context.Canceled)
	select {
	case <-fetchCancelled:
	case <-time.After(time.Second):
		t.Fatal("fetch wasn't cancelled after the last waiter left")
	}
}

func TestPendingOverflowDetachesOldest(t *testing.T) {
	c := New(NewOptions(500, 2), zap.NewNop())
	defer c.Teardown()

	block := make(chan struct{})
	slowFetch := func(key string) func(context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return "slow-" + key, nil
		}
	}

	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		key := strconv.Itoa(i)
		go func() {
			value, _ := c.ResolveOnce(context.Background(), key, time.Minute, slowFetch(key))
			results <- value
		}()
		time.Sleep(20 * time.Millisecond)
	}

	close(block)
	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case value := <-results:
			got[value] = true
		case <-time.After(time.Second):
			t.Fatal("a waiter never completed")
		}
	}
	for i := 0; i < 3; i++ {
		require.True(t, got["slow-"+strconv.Itoa(i)])
	}
}

func TestItemsRoundtrip(t *testing.T) {
	c := New(DefaultOptions, zap.NewNop())
	c.Put("a", "1", time.Minute)
	c.Put("b", "2", time.Minute)
	c.Put("expired", "3", time.Nanosecond)
	time.Sleep(10 * time.Millisecond)

	items := c.Items()
	require.Len(t, items, 2)
	c.Teardown()

	restored := New(DefaultOptions, zap.NewNop())
	defer restored.Teardown()
	restored.LoadItems(items)
	value, found := restored.Get("a")
	require.True(t, found)
	require.Equal(t, "1", value)
}
