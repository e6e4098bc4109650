package notifier

import (
	"sync"
	"testing"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestNotifier(t *testing.T, buffer int) *Notifier {
	t.Helper()
	n := New(&Config{Buffer: buffer, HeartbeatInterval: time.Second}, logger.NewTestLogger(t))
	t.Cleanup(n.Close)
	return n
}

func update(jobID string, stage models.Stage) models.JobUpdate {
	return models.JobUpdate{
		JobID:     jobID,
		Status:    models.StatusProcessing,
		Stage:     stage,
		Progress:  stage.Progress(),
		Timestamp: time.Now(),
	}
}

func receive(t *testing.T, sub *Subscription) models.JobUpdate {
	t.Helper()
	select {
	case u, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return models.JobUpdate{}
	}
}

// ==========================
// Core Functionality Tests
// ==========================

func TestNotifier_FanOutToAllSubscribers(t *testing.T) {
	n := createTestNotifier(t, 4)

	a, err := n.Subscribe("job-1")
	require.NoError(t, err)
	b, err := n.Subscribe("job-1")
	require.NoError(t, err)
	other, err := n.Subscribe("job-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n.Subscribers("job-1"))

	n.Publish(update("job-1", models.StageAnalyzing))

	assert.Equal(t, models.StageAnalyzing, receive(t, a).Stage)
	assert.Equal(t, models.StageAnalyzing, receive(t, b).Stage)
	select {
	case u := <-other.C:
		t.Fatalf("unexpected update for other job: %+v", u)
	default:
	}
}

func TestNotifier_PublishWithoutSubscribersIsNoop(t *testing.T) {
	n := createTestNotifier(t, 1)
	assert.NotPanics(t, func() {
		n.Publish(update("nobody", models.StageFinalizing))
	})
	assert.Zero(t, n.Subscribers("nobody"))
}

func TestNotifier_UnsubscribeLeavesOthersOpen(t *testing.T) {
	n := createTestNotifier(t, 4)

	a, err := n.Subscribe("job-1")
	require.NoError(t, err)
	b, err := n.Subscribe("job-1")
	require.NoError(t, err)

	require.NoError(t, n.Unsubscribe(a))
	_, open := <-a.C
	assert.False(t, open)
	assert.ErrorIs(t, n.Unsubscribe(a), ErrSubscriberNotFound)

	n.Publish(update("job-1", models.StageGeneratingContent))
	assert.Equal(t, models.StageGeneratingContent, receive(t, b).Stage)
	assert.Equal(t, 1, n.Subscribers("job-1"))
}

func TestNotifier_SlowSubscriberKeepsLatest(t *testing.T) {
	n := createTestNotifier(t, 2)
	sub, err := n.Subscribe("job-1")
	require.NoError(t, err)

	for _, stage := range models.Stages() {
		n.Publish(update("job-1", stage))
	}

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, models.StageFormattingDocument, first.Stage)
	assert.Equal(t, models.StageFinalizing, second.Stage, "newest update is never dropped")
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, uint64(4), sub.Sent())
}

func TestNotifier_ConcurrentPublishers(t *testing.T) {
	n := createTestNotifier(t, 8)
	sub, err := n.Subscribe("job-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n.Publish(update("job-1", models.StageAnalyzing))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), sub.Sent())
	assert.Equal(t, uint64(1000-8), sub.Dropped())
	assert.Len(t, sub.C, 8)
}

func TestNotifier_Close(t *testing.T) {
	n := New(&Config{Buffer: 1}, logger.NewTestLogger(t))
	a, err := n.Subscribe("job-1")
	require.NoError(t, err)
	b, err := n.Subscribe("job-2")
	require.NoError(t, err)

	n.Close()
	n.Close()

	_, open := <-a.C
	assert.False(t, open)
	_, open = <-b.C
	assert.False(t, open)

	_, err = n.Subscribe("job-1")
	assert.ErrorIs(t, err, ErrNotifierClosed)
	assert.NotPanics(t, func() { n.Publish(update("job-1", models.StageAnalyzing)) })
	assert.ErrorIs(t, n.Unsubscribe(a), ErrSubscriberNotFound)
}
