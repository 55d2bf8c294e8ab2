package sync

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueue_CoalescesSameCustomer(t *testing.T) {
	q := NewQueue(QueueParams{Log: zap.NewNop(), Config: Config{CoalesceWindow: 20 * time.Millisecond, QueueDepth: 16}})

	org := testNode.Generate()
	customer := testNode.Generate()
	a := testNode.Generate()
	b := testNode.Generate()

	q.Enqueue(NewItem(org, "live", customer, []snowflake.ID{a}, 100, ""))
	q.Enqueue(NewItem(org, "live", customer, []snowflake.ID{b}, 200, ""))

	select {
	case item := <-q.C():
		assert.ElementsMatch(t, []snowflake.ID{a, b}, item.CusEntIDs)
		assert.Equal(t, int64(200), item.TimestampMs)
	case <-time.After(time.Second):
		t.Fatal("queue never flushed")
	}

	select {
	case <-q.C():
		t.Fatal("coalesced items must flush once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_SeparateCustomersFlushSeparately(t *testing.T) {
	q := NewQueue(QueueParams{Log: zap.NewNop(), Config: Config{CoalesceWindow: 10 * time.Millisecond, QueueDepth: 16}})

	org := testNode.Generate()
	q.Enqueue(NewItem(org, "live", testNode.Generate(), []snowflake.ID{testNode.Generate()}, 1, ""))
	q.Enqueue(NewItem(org, "live", testNode.Generate(), []snowflake.ID{testNode.Generate()}, 2, ""))

	seen := 0
	timeout := time.After(time.Second)
	for seen < 2 {
		select {
		case <-q.C():
			seen++
		case <-timeout:
			t.Fatalf("flushed %d of 2 items", seen)
		}
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(QueueParams{Log: zap.NewNop(), Config: Config{CoalesceWindow: 5 * time.Millisecond, QueueDepth: 1}})

	org := testNode.Generate()
	for i := 0; i < 3; i++ {
		q.Enqueue(NewItem(org, "live", testNode.Generate(), []snowflake.ID{testNode.Generate()}, int64(i), ""))
	}

	// Enqueue never blocks; at most QueueDepth items survive the flush.
	require.Eventually(t, func() bool { return q.Depth() == 1 }, time.Second, 5*time.Millisecond)

	select {
	case <-q.C():
	default:
		t.Fatal("expected one surviving item")
	}
	assert.Equal(t, 0, q.Depth())
}

func TestQueue_Depth(t *testing.T) {
	q := NewQueue(QueueParams{Log: zap.NewNop(), Config: Config{CoalesceWindow: time.Hour, QueueDepth: 16}})
	assert.Equal(t, 0, q.Depth())

	q.Enqueue(NewItem(testNode.Generate(), "live", testNode.Generate(), []snowflake.ID{testNode.Generate()}, 1, ""))
	assert.Equal(t, 1, q.Depth())
}
