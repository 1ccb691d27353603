package occupancy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/discord-relay/format"
	"github.com/onnwee/discord-relay/telemetry"
)

const (
	// DefaultDebounce absorbs join/leave flapping before a channel is evaluated.
	DefaultDebounce = 12 * time.Second
	// DefaultInterval is the re-announcement period while a channel is occupied.
	DefaultInterval = 2 * time.Minute
)

const (
	edgeEnter  = "enter"
	edgeExit   = "exit"
	edgeChange = "change"
)

// Counter reports the current membership of a voice channel.
type Counter interface {
	VoiceOccupancy(ctx context.Context, channelID string) (name string, snap Snapshot, err error)
}

// Poster publishes announcement text and returns the remote post id.
type Poster interface {
	Post(ctx context.Context, text string) (string, error)
}

// Options tunes a Tracker. Zero values take the defaults.
type Options struct {
	// Root bounds reminder lifetimes; reminders stop when it is cancelled.
	Root     context.Context
	Debounce time.Duration
	Interval time.Duration
	Location *time.Location
	Now      func() time.Time
}

// Tracker runs the per-channel occupancy state machine.
type Tracker struct {
	registry *Registry
	counter  Counter
	poster   Poster

	debounce time.Duration
	interval time.Duration
	loc      *time.Location
	now      func() time.Time
	root     context.Context

	// pending holds channels with a debounced evaluation scheduled or running.
	pending keyLock

	mu        sync.Mutex
	serial    map[string]*sync.Mutex
	reminders map[string]*reminder
	scheduled map[string]*debounced
	closed    bool
	inflight  sync.WaitGroup
}

// reminder is the recurring re-announcement timer of one occupied channel.
type reminder struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// debounced is a scheduled evaluation that has not fired yet.
type debounced struct {
	timer   *time.Timer
	release func()
}

// NewTracker builds a tracker over the registry and collaborators.
func NewTracker(registry *Registry, counter Counter, poster Poster, opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Root == nil {
		opts.Root = context.Background()
	}
	return &Tracker{
		registry:  registry,
		counter:   counter,
		poster:    poster,
		debounce:  opts.Debounce,
		interval:  opts.Interval,
		loc:       opts.Location,
		now:       opts.Now,
		root:      opts.Root,
		serial:    make(map[string]*sync.Mutex),
		reminders: make(map[string]*reminder),
		scheduled: make(map[string]*debounced),
	}
}

// Notify schedules an evaluation of channelID after the debounce delay. If one is already
// scheduled or running for the channel the event is dropped; the pending evaluation reads
// the membership when it runs, so it covers this event too. Only Close cancels the delay.
func (t *Tracker) Notify(ctx context.Context, channelID string) {
	if channelID == "" {
		return
	}
	release, ok := t.pending.TryAcquire(channelID)
	if !ok {
		telemetry.RecordDroppedVoiceEvent()
		telemetry.LoggerWithCorr(ctx).Debug("voice event dropped; evaluation pending", slog.String("channel_id", channelID), slog.String("component", "occupancy"))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		release()
		return
	}
	t.inflight.Add(1)
	// Held until the timer is stored, so the callback cannot unregister it first.
	defer t.mu.Unlock()
	timer := time.AfterFunc(t.debounce, func() {
		defer t.inflight.Done()
		defer release()
		t.mu.Lock()
		delete(t.scheduled, channelID)
		t.mu.Unlock()
		t.evaluate(ctx, channelID, true)
	})
	t.scheduled[channelID] = &debounced{timer: timer, release: release}
}

// Wait blocks until every debounced evaluation scheduled so far has finished.
func (t *Tracker) Wait() { t.inflight.Wait() }

// HasReminder reports whether channelID has a live reminder.
func (t *Tracker) HasReminder(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reminders[channelID]
	return ok
}

// ActiveReminders returns the number of live reminders.
func (t *Tracker) ActiveReminders() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reminders)
}

// Close stops accepting events, drops debounced evaluations that have not fired, cancels
// every reminder and waits for running work.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	var dropped []*debounced
	for id, d := range t.scheduled {
		if d.timer.Stop() {
			dropped = append(dropped, d)
		}
		delete(t.scheduled, id)
	}
	live := make([]*reminder, 0, len(t.reminders))
	for id, r := range t.reminders {
		r.cancel()
		live = append(live, r)
		delete(t.reminders, id)
	}
	t.mu.Unlock()
	telemetry.SetActiveReminders(0)

	for _, d := range dropped {
		d.release()
		t.inflight.Done()
	}

	for _, r := range live {
		<-r.done
	}
	t.inflight.Wait()
}

func (t *Tracker) serialFor(channelID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.serial[channelID]
	if !ok {
		m = &sync.Mutex{}
		t.serial[channelID] = m
	}
	return m
}

// evaluate compares the live snapshot with the last announced one. Edge handling
// (starting and stopping the reminder) only happens on the voice-event path.
func (t *Tracker) evaluate(ctx context.Context, channelID string, handleEdges bool) {
	lock := t.serialFor(channelID)
	lock.Lock()
	defer lock.Unlock()
	if ctx.Err() != nil {
		return
	}

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel_id", channelID), slog.String("component", "occupancy"))

	name, current, err := t.counter.VoiceOccupancy(ctx, channelID)
	if err != nil {
		if errors.Is(err, ErrNotVoiceChannel) {
			log.Debug("channel is not a voice channel; ignoring")
			return
		}
		log.Warn("voice occupancy lookup failed", slog.Any("err", err))
		return
	}

	previous, known := t.registry.GetLast(channelID)
	if known && previous.Equal(current) {
		return
	}

	edge := edgeChange
	if handleEdges {
		switch {
		case current.Total() == 0:
			edge = edgeExit
			t.stopReminder(channelID)
			log.Info("the last member left the voice channel", slog.String("channel", name))
		case !known || previous.Total() == 0:
			edge = edgeEnter
			t.startReminder(channelID)
			log.Info("the first member joined the voice channel", slog.String("channel", name))
		}
	}

	t.announce(ctx, log, channelID, name, current, edge)
}

func (t *Tracker) announce(ctx context.Context, log *slog.Logger, channelID, name string, snap Snapshot, edge string) {
	text := format.Occupancy(t.loc, t.now(), name, snap.Bots, snap.Humans)

	ctx, span := telemetry.StartSpan(ctx, "occupancy.announce", telemetry.ChannelAttr(channelID))
	postID, err := t.poster.Post(ctx, text)
	telemetry.EndSpan(span, err)
	if err != nil {
		// Registry stays stale, so the next evaluation sees the change again.
		log.Error("occupancy announcement failed", slog.String("edge", edge), slog.Any("err", err))
		return
	}

	t.registry.RecordLast(channelID, snap)
	telemetry.RecordAnnouncement(edge)
	log.Info("occupancy announced",
		slog.String("edge", edge),
		slog.Int("bots", snap.Bots),
		slog.Int("humans", snap.Humans),
		slog.String("post_id", postID))
}

func (t *Tracker) startReminder(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.reminders[channelID]; ok {
		return
	}

	rctx, cancel := context.WithCancel(t.root)
	r := &reminder{cancel: cancel, done: make(chan struct{})}
	t.reminders[channelID] = r
	telemetry.SetActiveReminders(len(t.reminders))

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				// A pending voice evaluation will cover this tick.
				if t.pending.Held(channelID) {
					continue
				}
				t.evaluate(telemetry.WithCorrelation(rctx, uuid.NewString()), channelID, false)
			}
		}
	}()
}

// stopReminder cancels without waiting: the reminder goroutine may be queued behind
// the caller on the channel's serial lock.
func (t *Tracker) stopReminder(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reminders[channelID]
	if !ok {
		return
	}
	r.cancel()
	delete(t.reminders, channelID)
	telemetry.SetActiveReminders(len(t.reminders))
}
