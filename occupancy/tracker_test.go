package occupancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/discord-relay/kvstore"
	"github.com/onnwee/discord-relay/telemetry"
)

const voiceID = "vc-1"

type fakeCounter struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
	calls atomic.Int32
	err   error
	corrs []string
}

func (f *fakeCounter) set(channelID string, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snaps == nil {
		f.snaps = make(map[string]Snapshot)
	}
	f.snaps[channelID] = snap
}

func (f *fakeCounter) VoiceOccupancy(ctx context.Context, channelID string) (string, Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrs = append(f.corrs, telemetry.GetCorrelation(ctx))
	if f.err != nil {
		return "", Snapshot{}, f.err
	}
	return "雑談", f.snaps[channelID], nil
}

type fakePoster struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (f *fakePoster) Post(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("remote rejected post")
	}
	f.texts = append(f.texts, text)
	return fmt.Sprintf("post-%d", len(f.texts)), nil
}

func (f *fakeCounter) correlations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.corrs...)
}

func (f *fakePoster) posted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakePoster) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type harness struct {
	tracker  *Tracker
	registry *Registry
	counter  *fakeCounter
	poster   *fakePoster
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(kvstore.Open[Snapshot](t.TempDir(), Namespace)),
		counter:  &fakeCounter{},
		poster:   &fakePoster{},
	}
	h.tracker = NewTracker(h.registry, h.counter, h.poster, Options{
		Debounce: 5 * time.Millisecond,
		Interval: interval,
		Now:      func() time.Time { return time.Date(2024, 3, 5, 0, 4, 5, 0, time.UTC) },
	})
	t.Cleanup(h.tracker.Close)
	return h
}

func (h *harness) step(snap Snapshot) {
	h.counter.set(voiceID, snap)
	h.tracker.Notify(context.Background(), voiceID)
	h.tracker.Wait()
}

func TestSnapshotEqual(t *testing.T) {
	a := Snapshot{Bots: 1, Humans: 2}
	assert.True(t, a.Equal(a))
	assert.True(t, a.Equal(Snapshot{Bots: 1, Humans: 2}))
	assert.True(t, Snapshot{Bots: 1, Humans: 2}.Equal(a))
	assert.False(t, a.Equal(Snapshot{Bots: 2, Humans: 1}))
	assert.False(t, Snapshot{Bots: 2, Humans: 1}.Equal(a))
	assert.Equal(t, 3, a.Total())
}

func TestEnterFromEmptyAnnouncesAndStartsReminder(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.registry.RecordLast(voiceID, Snapshot{})

	h.step(Snapshot{Humans: 1})

	require.Len(t, h.poster.posted(), 1)
	assert.True(t, h.tracker.HasReminder(voiceID))
	last, ok := h.registry.GetLast(voiceID)
	require.True(t, ok)
	assert.Equal(t, Snapshot{Humans: 1}, last)
}

func TestEnterWithNoHistoryAnnouncesAndStartsReminder(t *testing.T) {
	h := newHarness(t, time.Hour)

	h.step(Snapshot{Humans: 1})

	require.Len(t, h.poster.posted(), 1)
	assert.True(t, h.tracker.HasReminder(voiceID))
}

func TestExitAnnouncesAndCancelsReminder(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.step(Snapshot{Humans: 1})
	require.True(t, h.tracker.HasReminder(voiceID))

	h.step(Snapshot{})

	posts := h.poster.posted()
	require.Len(t, posts, 2)
	assert.Contains(t, posts[1], "人間 0人")
	assert.False(t, h.tracker.HasReminder(voiceID))
	assert.Equal(t, 0, h.tracker.ActiveReminders())
}

func TestUnchangedSnapshotIsSilent(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.registry.RecordLast(voiceID, Snapshot{Bots: 1, Humans: 2})

	h.step(Snapshot{Bots: 1, Humans: 2})

	assert.Empty(t, h.poster.posted())
	assert.False(t, h.tracker.HasReminder(voiceID))
}

// A channel restored from disk as occupied gets its reminder back only on the next enter edge.
func TestRestoredOccupiedChannelWaitsForEnterEdge(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.registry.RecordLast(voiceID, Snapshot{Humans: 2})

	h.step(Snapshot{Humans: 3})
	assert.False(t, h.tracker.HasReminder(voiceID))

	h.step(Snapshot{})
	h.step(Snapshot{Humans: 1})
	assert.True(t, h.tracker.HasReminder(voiceID))
	assert.Len(t, h.poster.posted(), 3)
}

func TestCountChangeWhileOccupiedKeepsReminder(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.step(Snapshot{Humans: 1})
	h.step(Snapshot{Bots: 1, Humans: 1})

	posts := h.poster.posted()
	require.Len(t, posts, 2)
	assert.Contains(t, posts[1], "bot 1機")
	assert.True(t, h.tracker.HasReminder(voiceID))
}

func TestFailedPostLeavesRegistryStaleForRetry(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.registry.RecordLast(voiceID, Snapshot{})
	h.poster.setFail(true)

	h.step(Snapshot{Humans: 1})

	assert.Empty(t, h.poster.posted())
	last, _ := h.registry.GetLast(voiceID)
	assert.Equal(t, Snapshot{}, last)

	h.poster.setFail(false)
	h.step(Snapshot{Humans: 1})

	require.Len(t, h.poster.posted(), 1)
	last, _ = h.registry.GetLast(voiceID)
	assert.Equal(t, Snapshot{Humans: 1}, last)
	assert.True(t, h.tracker.HasReminder(voiceID))
}

func TestBurstOfEventsCollapsesIntoOneEvaluation(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.counter.set(voiceID, Snapshot{Humans: 3})

	for i := 0; i < 10; i++ {
		h.tracker.Notify(context.Background(), voiceID)
	}
	h.tracker.Wait()

	assert.Equal(t, int32(1), h.counter.calls.Load())
	assert.Len(t, h.poster.posted(), 1)
}

func TestGuardReleasedAfterFailure(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.counter.err = errors.New("gateway timeout")
	h.tracker.Notify(context.Background(), voiceID)
	h.tracker.Wait()
	assert.False(t, h.tracker.pending.Held(voiceID))

	h.counter.mu.Lock()
	h.counter.err = nil
	h.counter.mu.Unlock()
	h.step(Snapshot{Humans: 1})
	assert.Len(t, h.poster.posted(), 1)
}

func TestNonVoiceChannelIsIgnored(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.counter.err = fmt.Errorf("channel text-1: %w", ErrNotVoiceChannel)

	h.tracker.Notify(context.Background(), "text-1")
	h.tracker.Wait()

	assert.Empty(t, h.poster.posted())
	assert.False(t, h.tracker.HasReminder("text-1"))
}

func TestReminderReannouncesChangedCount(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.step(Snapshot{Humans: 1})
	require.True(t, h.tracker.HasReminder(voiceID))

	// Membership changes without a voice event; only the reminder can notice.
	h.counter.set(voiceID, Snapshot{Humans: 4})

	require.Eventually(t, func() bool {
		posts := h.poster.posted()
		return len(posts) == 2 && strings.Contains(posts[1], "人間 4人")
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.tracker.HasReminder(voiceID))
}

func TestReminderIsSilentWhileUnchanged(t *testing.T) {
	h := newHarness(t, 5*time.Millisecond)
	h.step(Snapshot{Humans: 2})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.poster.posted(), 1)
}

func TestOccupancyLifecycle(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.registry.RecordLast(voiceID, Snapshot{})

	h.step(Snapshot{Humans: 1})
	assert.True(t, h.tracker.HasReminder(voiceID))

	h.step(Snapshot{Humans: 2})
	assert.True(t, h.tracker.HasReminder(voiceID))

	h.step(Snapshot{})
	assert.False(t, h.tracker.HasReminder(voiceID))

	posts := h.poster.posted()
	require.Len(t, posts, 3)
	assert.Contains(t, posts[0], "人間 1人")
	assert.Contains(t, posts[1], "人間 2人")
	assert.Contains(t, posts[2], "人間 0人")
	assert.True(t, strings.HasPrefix(posts[0], "3/5 00:04:05現在、ボイスチャンネル「雑談」"))
}

func TestCloseStopsRemindersAndRejectsEvents(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.step(Snapshot{Humans: 1})
	require.Equal(t, 1, h.tracker.ActiveReminders())

	h.tracker.Close()
	assert.Equal(t, 0, h.tracker.ActiveReminders())

	h.counter.set(voiceID, Snapshot{Humans: 2})
	h.tracker.Notify(context.Background(), voiceID)
	h.tracker.Wait()
	assert.Len(t, h.poster.posted(), 1)
}

func TestCloseDropsScheduledEvaluation(t *testing.T) {
	counter, poster := &fakeCounter{}, &fakePoster{}
	counter.set(voiceID, Snapshot{Humans: 1})
	tracker := NewTracker(NewRegistry(kvstore.Open[Snapshot](t.TempDir(), Namespace)), counter, poster, Options{
		Debounce: time.Hour,
		Interval: time.Hour,
	})
	tracker.Notify(context.Background(), voiceID)

	done := make(chan struct{})
	go func() {
		tracker.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the debounce delay")
	}

	assert.Zero(t, counter.calls.Load())
	assert.Empty(t, poster.posted())
	assert.False(t, tracker.pending.Held(voiceID))
}

func TestReminderTicksCarryTheirOwnCorrelation(t *testing.T) {
	h := newHarness(t, 5*time.Millisecond)
	h.counter.set(voiceID, Snapshot{Humans: 1})
	h.tracker.Notify(telemetry.WithCorrelation(context.Background(), "enter-event"), voiceID)
	h.tracker.Wait()
	require.True(t, h.tracker.HasReminder(voiceID))

	require.Eventually(t, func() bool { return len(h.counter.correlations()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.tracker.Close()

	corrs := h.counter.correlations()
	assert.Equal(t, "enter-event", corrs[0])
	seen := map[string]bool{}
	for _, id := range corrs[1:] {
		assert.NotEmpty(t, id)
		assert.NotEqual(t, "enter-event", id)
		assert.False(t, seen[id], "tick correlation reused: %s", id)
		seen[id] = true
	}
}

func TestRegistryPersists(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(kvstore.Open[Snapshot](dir, Namespace))
	reg.RecordLast("a", Snapshot{Bots: 1, Humans: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Store().Wait(ctx))

	reopened := NewRegistry(kvstore.Open[Snapshot](dir, Namespace))
	got, ok := reopened.GetLast("a")
	require.True(t, ok)
	assert.Equal(t, Snapshot{Bots: 1, Humans: 2}, got)
}
