// ABOUTME: Tests for the long-poll dispatcher and wake notifier
// ABOUTME: Covers immediate claim, wake on enqueue, timeout, and claim races

package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trydirect/stacker-sub002/internal/store"
)

func setupDispatcherTest(t *testing.T) (*Dispatcher, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := NewNotifier(nil)
	t.Cleanup(notifier.Close)

	return NewDispatcher(st, notifier, nil), st
}

func enqueueTestCommand(t *testing.T, st *store.SQLiteStore, hash string, priority store.CommandPriority) *store.Command {
	t.Helper()

	cmd := &store.Command{
		CommandID:      fmt.Sprintf("cmd_%s", uuid.New().String()),
		DeploymentHash: hash,
		Type:           "restart",
		Status:         store.StatusQueued,
		Priority:       priority,
		CreatedBy:      "operator-1",
	}
	require.NoError(t, st.CreateCommand(context.Background(), cmd))
	return cmd
}

func TestDispatcher_ImmediateClaim(t *testing.T) {
	d, st := setupDispatcherTest(t)
	queued := enqueueTestCommand(t, st, "dep-1", store.PriorityNormal)

	start := time.Now()
	cmd, err := d.Wait(context.Background(), "dep-1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, cmd)

	assert.Equal(t, queued.CommandID, cmd.CommandID)
	assert.Equal(t, store.StatusSent, cmd.Status)
	assert.Less(t, time.Since(start), time.Second, "claim should not block")
}

func TestDispatcher_TimeoutEmpty(t *testing.T) {
	d, _ := setupDispatcherTest(t)

	start := time.Now()
	cmd, err := d.Wait(context.Background(), "dep-1", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDispatcher_WakeOnEnqueue(t *testing.T) {
	d, st := setupDispatcherTest(t)

	type result struct {
		cmd *store.Command
		err error
	}
	done := make(chan result, 1)

	go func() {
		cmd, err := d.Wait(context.Background(), "dep-1", 10*time.Second)
		done <- result{cmd, err}
	}()

	// Let the waiter reach its subscription before enqueueing.
	require.Eventually(t, func() bool {
		return d.notifier.WaiterCount("dep-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	queued := enqueueTestCommand(t, st, "dep-1", store.PriorityHigh)
	d.Notify("dep-1")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.cmd)
		assert.Equal(t, queued.CommandID, r.cmd.CommandID)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken by enqueue")
	}
}

func TestDispatcher_EnqueueBeforeSubscribeNotMissed(t *testing.T) {
	d, st := setupDispatcherTest(t)

	// Enqueue without notifying: the re-check after subscribing must still
	// find the command instead of sleeping out the deadline.
	queued := enqueueTestCommand(t, st, "dep-1", store.PriorityNormal)

	cmd, err := d.Wait(context.Background(), "dep-1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, queued.CommandID, cmd.CommandID)
}

func TestDispatcher_SingleWinnerAcrossWaiters(t *testing.T) {
	d, st := setupDispatcherTest(t)

	const waiters = 5
	results := make(chan *store.Command, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := d.Wait(context.Background(), "dep-1", 2*time.Second)
			require.NoError(t, err)
			results <- cmd
		}()
	}

	require.Eventually(t, func() bool {
		return d.notifier.WaiterCount("dep-1") == waiters
	}, 2*time.Second, 10*time.Millisecond)

	enqueueTestCommand(t, st, "dep-1", store.PriorityCritical)
	d.Notify("dep-1")

	wg.Wait()
	close(results)

	var won int
	for cmd := range results {
		if cmd != nil {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one waiter should claim the command")
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	d, _ := setupDispatcherTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := d.Wait(ctx, "dep-1", 30*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return d.notifier.WaiterCount("dep-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after cancellation")
	}
}

func TestNotifier_SubscribeNotifyUnsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, subID := n.Subscribe(ctx, "dep-1")
	assert.Equal(t, 1, n.WaiterCount("dep-1"))

	n.Notify("dep-1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected wake signal")
	}

	// Notifying an unrelated key does not reach this waiter.
	n.Notify("dep-2")
	select {
	case <-ch:
		t.Fatal("unexpected wake signal")
	case <-time.After(50 * time.Millisecond):
	}

	n.Unsubscribe("dep-1", subID)
	assert.Equal(t, 0, n.WaiterCount("dep-1"))

	// Signals stop after unsubscribe; the channel stays open.
	n.Notify("dep-1")
	select {
	case <-ch:
		t.Fatal("unexpected wake signal after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_NotifyRacesUnsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup

	// Enqueues firing while waiters come and go must never panic. An
	// ordinary poll timeout racing an ordinary enqueue is the steady
	// state of this system, not an edge case.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					n.Notify("dep-1")
				}
			}
		}()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_, subID := n.Subscribe(ctx, "dep-1")
					n.Unsubscribe("dep-1", subID)
				}
			}
		}()
	}

	time.Sleep(500 * time.Millisecond)
	close(done)
	wg.Wait()

	assert.Equal(t, 0, n.WaiterCount("dep-1"))
}

func TestNotifier_CoalescesSignals(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := n.Subscribe(ctx, "dep-1")

	// Repeated notifies with no consumer must not block.
	for i := 0; i < 10; i++ {
		n.Notify("dep-1")
	}

	<-ch
	select {
	case <-ch:
		t.Fatal("expected signals to coalesce into one")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_ContextAutoUnsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n.Subscribe(ctx, "dep-1")
	require.Equal(t, 1, n.WaiterCount("dep-1"))

	cancel()

	assert.Eventually(t, func() bool {
		return n.WaiterCount("dep-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
