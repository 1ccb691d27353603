// Package bridge wires the relay together. It owns the two registries, the message mirror and
// the occupancy tracker, and turns platform events into calls on them. Every event gets its
// own correlation id so its log lines and spans can be followed end to end.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/discord-relay/mirror"
	"github.com/onnwee/discord-relay/occupancy"
	"github.com/onnwee/discord-relay/telemetry"
)

// Platform is the chat side of the relay.
type Platform interface {
	mirror.Fetcher
	occupancy.Counter
}

// Options configures a Bridge.
type Options struct {
	ChannelID     string
	ExcludePrefix string
	Location      *time.Location
	Debounce      time.Duration
	Interval      time.Duration
}

// Bridge dispatches platform events.
type Bridge struct {
	root     context.Context
	messages *mirror.Registry
	speakers *occupancy.Registry
	mirror   *mirror.Mirror
	tracker  *occupancy.Tracker

	ready      atomic.Bool
	reconciled atomic.Int64
}

// New builds a Bridge. root bounds every remote call made on behalf of an event; cancel it to
// abandon in-flight work at shutdown.
func New(root context.Context, messages *mirror.Registry, speakers *occupancy.Registry, platform Platform, publisher mirror.Publisher, opts Options) *Bridge {
	return &Bridge{
		root:     root,
		messages: messages,
		speakers: speakers,
		mirror: mirror.New(messages, publisher, platform, mirror.Options{
			ChannelID:     opts.ChannelID,
			ExcludePrefix: opts.ExcludePrefix,
			Location:      opts.Location,
		}),
		tracker: occupancy.NewTracker(speakers, platform, publisher, occupancy.Options{
			Root:     root,
			Debounce: opts.Debounce,
			Interval: opts.Interval,
			Location: opts.Location,
		}),
	}
}

func (b *Bridge) event(kind string) context.Context {
	id := uuid.NewString()
	ctx := telemetry.WithCorrelation(b.root, id)
	telemetry.LoggerWithCorr(ctx).Debug("event received", slog.String("event", kind))
	return ctx
}

// OnReady runs reconciliation once the session is connected. It runs again after a reconnect.
func (b *Bridge) OnReady() {
	ctx := b.event("ready")
	b.ready.Store(true)
	removed, err := b.mirror.Reconcile(ctx)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("reconciliation interrupted", slog.Any("err", err))
		return
	}
	b.reconciled.Add(int64(removed))
}

// OnDisconnect marks the session as not ready.
func (b *Bridge) OnDisconnect() { b.ready.Store(false) }

// OnMessageCreate mirrors a new message.
func (b *Bridge) OnMessageCreate(msg mirror.Message) {
	b.mirror.HandleCreate(b.event("message_create"), msg)
}

// OnMessageUpdate handles an edited message.
func (b *Bridge) OnMessageUpdate(msg mirror.Message) {
	b.mirror.HandleUpdate(b.event("message_update"), msg)
}

// OnMessageDelete handles a deleted message.
func (b *Bridge) OnMessageDelete(channelID, messageID string) {
	b.mirror.HandleDelete(b.event("message_delete"), channelID, messageID)
}

// OnVoiceStateUpdate schedules an evaluation of the channel a member left and the one they
// joined. Either may be empty.
func (b *Bridge) OnVoiceStateUpdate(oldChannelID, newChannelID string) {
	ctx := b.event("voice_state_update")
	if oldChannelID != "" {
		b.tracker.Notify(ctx, oldChannelID)
	}
	if newChannelID != "" && newChannelID != oldChannelID {
		b.tracker.Notify(ctx, newChannelID)
	}
}

// Ready reports whether the platform session is connected.
func (b *Bridge) Ready() bool { return b.ready.Load() }

// Reconciled returns how many stale mirrors reconciliation has removed since start.
func (b *Bridge) Reconciled() int64 { return b.reconciled.Load() }

// Tracker exposes the occupancy tracker.
func (b *Bridge) Tracker() *occupancy.Tracker { return b.tracker }

// Close stops the tracker and waits until both registries are on disk.
func (b *Bridge) Close(ctx context.Context) error {
	b.ready.Store(false)
	b.tracker.Close()
	return errors.Join(
		b.messages.Store().Wait(ctx),
		b.speakers.Store().Wait(ctx),
	)
}
