package quotecache

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var samsungExec = entity.NewSubscriptionKey("005930", entity.StreamKindExecution)

func TestPutOverwritesAndCountsDistinctKeys(t *testing.T) {
	c := NewQuoteCache(nil)

	c.Put(samsungExec, &entity.ExecutionRecord{Symbol: "005930", LastPrice: 73000})
	c.Put(samsungExec, &entity.ExecutionRecord{Symbol: "005930", LastPrice: 73100})

	entry, ok := c.Get(samsungExec)
	require.True(t, ok)
	assert.Equal(t, 73100.0, entry.Record.(*entity.ExecutionRecord).LastPrice)
	assert.Equal(t, 1, c.Count())

	c.Put(entity.NewSubscriptionKey("005930", entity.StreamKindOrderBook), &entity.OrderBookRecord{Symbol: "005930"})
	assert.Equal(t, 2, c.Count())
	assert.Len(t, c.Keys(), 2)
}

func TestGetMissIsNotAnError(t *testing.T) {
	c := NewQuoteCache(nil)

	_, ok := c.Get(samsungExec)
	assert.False(t, ok)
}

func TestDeleteAndClear(t *testing.T) {
	c := NewQuoteCache(nil)
	c.Put(samsungExec, &entity.ExecutionRecord{Symbol: "005930"})
	c.Put(entity.NewSubscriptionKey("000660", entity.StreamKindExecution), &entity.ExecutionRecord{Symbol: "000660"})

	c.Delete(samsungExec)
	_, ok := c.Get(samsungExec)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Count())

	c.Clear()
	assert.Zero(t, c.Count())
}

func TestWaitForReceivesNextPut(t *testing.T) {
	c := NewQuoteCache(nil)

	done := make(chan entity.CacheEntry, 1)
	go func() {
		entry, err := c.WaitFor(context.Background(), samsungExec)
		if err == nil {
			done <- entry
		}
	}()

	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.waiters[samsungExec]) == 1
	}, time.Second, 5*time.Millisecond)

	c.Put(samsungExec, &entity.ExecutionRecord{Symbol: "005930", LastPrice: 1})

	select {
	case entry := <-done:
		assert.Equal(t, 1.0, entry.Record.(*entity.ExecutionRecord).LastPrice)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForHonorsContext(t *testing.T) {
	c := NewQuoteCache(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitFor(ctx, samsungExec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Empty(t, c.waiters)
}

func TestWatchRegistersBeforeProducer(t *testing.T) {
	c := NewQuoteCache(nil)

	ch, stop := c.Watch(samsungExec)
	defer stop()

	c.Put(samsungExec, &entity.ExecutionRecord{Symbol: "005930", LastPrice: 73200})

	select {
	case entry := <-ch:
		assert.Equal(t, 73200.0, entry.Record.(*entity.ExecutionRecord).LastPrice)
	case <-time.After(time.Second):
		t.Fatal("watch channel was not notified")
	}

	stop()
	c.mu.RLock()
	assert.Empty(t, c.waiters)
	c.mu.RUnlock()
}
