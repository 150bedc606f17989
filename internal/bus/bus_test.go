package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublishesInitial(t *testing.T) {
	tx, rx := New(4, "start")

	assert.Equal(t, uint64(1), tx.Version())
	assert.Equal(t, 4, tx.Capacity())

	v, ok := rx.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "start", v)
	assert.Equal(t, uint64(1), rx.Cursor())

	_, ok = rx.TryRecv()
	assert.False(t, ok)
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New(0, 0) })
}

func TestReceiveInOrder(t *testing.T) {
	tx, rx := New(8, 0)
	for i := 1; i <= 5; i++ {
		tx.Send(i)
	}

	var got []int
	for {
		v, ok := rx.TryRecv()
		if !ok {
			break
		}
		got = append(got, v)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, got)
	assert.Equal(t, uint64(6), rx.Cursor())
}

func TestSlowReceiverCatchesUpAtOldestRetained(t *testing.T) {
	tx, rx := New(4, 0)
	_, ok := rx.TryRecv()
	require.True(t, ok)

	// versions 2..11 carry values 1..10; only the last four survive
	for i := 1; i <= 10; i++ {
		tx.Send(i)
	}

	var got []int
	for {
		v, ok := rx.TryRecv()
		if !ok {
			break
		}
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9, 10}, got)
	assert.Equal(t, uint64(11), rx.Cursor())
}

func TestReadsDoNotConsume(t *testing.T) {
	tx, rx1 := New(4, "a")
	tx.Send("b")
	rx2 := tx.Subscribe()

	for i := 0; i < 3; i++ {
		a, okA := rx1.Clone().TryRecv()
		b, okB := rx2.Clone().TryRecv()
		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, a, b)
	}

	first1, _ := rx1.TryRecv()
	first2, _ := rx2.TryRecv()
	assert.Equal(t, "a", first1)
	assert.Equal(t, "a", first2)
}

func TestCloneStartsAtZero(t *testing.T) {
	tx, rx := New(16, 0)
	for i := 1; i <= 3; i++ {
		tx.Send(i)
	}
	for {
		if _, ok := rx.TryRecv(); !ok {
			break
		}
	}

	clone := rx.Clone()
	assert.Equal(t, uint64(0), clone.Cursor())

	v, ok := clone.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 0, v, "clone should see the initial value again")

	_, ok = rx.TryRecv()
	assert.False(t, ok, "cloning must not move the original cursor")
}

func TestCloneAfterOverflowNeverBlocks(t *testing.T) {
	const capacity = 4
	tx, rx := New(capacity, 0)
	for i := 1; i <= 20; i++ {
		tx.Send(i)
	}

	clone := rx.Clone()
	v, ok := clone.TryRecv()
	require.True(t, ok)
	assert.GreaterOrEqual(t, clone.Cursor(), tx.Version()-capacity+1)
	assert.Equal(t, 17, v)
}

func TestRecvBlocksUntilSend(t *testing.T) {
	tx, rx := New(4, 0)
	rx.TryRecv()

	go func() {
		time.Sleep(20 * time.Millisecond)
		tx.Send(7)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	v, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestRecvHonoursContext(t *testing.T) {
	_, rx := New(4, 0)
	rx.TryRecv()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rx.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadyClosedBySend(t *testing.T) {
	tx, rx := New(4, 0)
	ready := rx.Ready()

	select {
	case <-ready:
		t.Fatal("ready closed before send")
	default:
	}

	tx.Send(1)

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready not closed by send")
	}
}

func TestConcurrentProducersTotalOrder(t *testing.T) {
	const (
		producers = 4
		perWorker = 200
	)
	tx, rx := New(producers*perWorker+1, -1)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tx.Send(p*perWorker + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool)
	last := uint64(0)
	for {
		v, ok := rx.TryRecv()
		if !ok {
			break
		}
		assert.Greater(t, rx.Cursor(), last)
		last = rx.Cursor()
		assert.False(t, seen[v], "value %d delivered twice", v)
		seen[v] = true
	}

	assert.Len(t, seen, producers*perWorker+1)
}

func TestConcurrentReceiversStrictlyIncreasing(t *testing.T) {
	tx, rx := New(8, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(rx *Receiver[int]) {
			defer wg.Done()
			last := -1
			for {
				v, err := rx.Recv(ctx)
				if err != nil {
					t.Errorf("recv: %v", err)
					return
				}
				if v <= last {
					t.Errorf("value went backwards: %d after %d", v, last)
					return
				}
				last = v
				if v == 500 {
					return
				}
			}
		}(rx.Clone())
	}

	for i := 1; i <= 500; i++ {
		tx.Send(i)
	}

	wg.Wait()
}
