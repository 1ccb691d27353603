// Package mirror republishes messages from one chat channel to the remote service and keeps
// the remote copies in step: a message edited into the excluded form, or deleted, has its
// remote post deleted. Reconcile removes remote posts whose source message disappeared
// while the relay was offline.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/discord-relay/format"
	"github.com/onnwee/discord-relay/telemetry"
)

// DefaultExcludePrefix marks a message that must not be mirrored.
const DefaultExcludePrefix = "."

// ErrMessageNotFound is returned by a Fetcher when the message no longer exists upstream.
var ErrMessageNotFound = errors.New("message not found")

// Message is a chat message as the relay sees it. Content has mentions already resolved to
// display names.
type Message struct {
	ID        string
	ChannelID string
	Content   string
	CreatedAt time.Time
}

// Publisher creates and deletes remote posts.
type Publisher interface {
	Post(ctx context.Context, text string) (string, error)
	Delete(ctx context.Context, postID string) error
}

// Fetcher confirms a message still exists; a missing message yields ErrMessageNotFound.
type Fetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) error
}

// Options configures a Mirror.
type Options struct {
	ChannelID     string
	ExcludePrefix string
	Location      *time.Location
}

// Mirror handles message events for the mirrored channel.
type Mirror struct {
	registry  *Registry
	publisher Publisher
	fetcher   Fetcher

	channelID string
	exclude   string
	loc       *time.Location
}

// New builds a Mirror.
func New(registry *Registry, publisher Publisher, fetcher Fetcher, opts Options) *Mirror {
	if opts.ExcludePrefix == "" {
		opts.ExcludePrefix = DefaultExcludePrefix
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Mirror{
		registry:  registry,
		publisher: publisher,
		fetcher:   fetcher,
		channelID: opts.ChannelID,
		exclude:   opts.ExcludePrefix,
		loc:       opts.Location,
	}
}

// Qualifies reports whether content posted in channelID should be mirrored.
func (m *Mirror) Qualifies(channelID, content string) bool {
	return channelID == m.channelID && !strings.HasPrefix(content, m.exclude)
}

func (m *Mirror) logger(ctx context.Context, messageID string) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("message_id", messageID), slog.String("component", "mirror"))
}

// HandleCreate posts a qualifying new message and records the mapping.
func (m *Mirror) HandleCreate(ctx context.Context, msg Message) {
	if !m.Qualifies(msg.ChannelID, msg.Content) {
		return
	}
	log := m.logger(ctx, msg.ID)
	if _, ok := m.registry.LookupRemote(msg.ID); ok {
		log.Debug("message already mirrored")
		return
	}

	text := format.MirroredMessage(m.loc, msg.CreatedAt, msg.Content)
	ctx, span := telemetry.StartSpan(ctx, "mirror.create", telemetry.MessageAttr(msg.ID))
	postID, err := m.publisher.Post(ctx, text)
	telemetry.EndSpan(span, err)
	if err != nil {
		log.Error("mirror post failed", slog.Any("err", err))
		return
	}

	m.registry.RecordMirror(msg.ID, postID)
	log.Info("message mirrored", slog.String("post_id", postID))
}

// HandleUpdate removes the remote post when an edit puts the message into the excluded
// form. An edit that still qualifies changes nothing, and an edit never creates a post.
func (m *Mirror) HandleUpdate(ctx context.Context, msg Message) {
	if msg.ChannelID != m.channelID || m.Qualifies(msg.ChannelID, msg.Content) {
		return
	}
	m.unmirror(ctx, msg.ID, "edited into excluded form")
}

// HandleDelete removes the remote post of a deleted message.
func (m *Mirror) HandleDelete(ctx context.Context, channelID, messageID string) {
	if channelID != m.channelID {
		return
	}
	m.unmirror(ctx, messageID, "deleted")
}

// Reconcile checks every mirrored message upstream and unmirrors the ones that no longer
// exist. Lookup failures other than not-found leave the entry for the next run.
func (m *Mirror) Reconcile(ctx context.Context) (int, error) {
	removed := 0
	for _, localID := range m.registry.LocalIDs() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := m.fetcher.FetchMessage(ctx, m.channelID, localID)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrMessageNotFound):
			if m.unmirror(ctx, localID, "missing upstream") {
				removed++
				telemetry.RecordReconciled()
			}
		default:
			m.logger(ctx, localID).Warn("reconcile lookup failed", slog.Any("err", err))
		}
	}
	telemetry.LoggerWithCorr(ctx).Info("reconciliation complete", slog.Int("removed", removed), slog.Int("remaining", len(m.registry.LocalIDs())), slog.String("component", "mirror"))
	return removed, nil
}

// unmirror deletes the remote post for localID and forgets the mapping. The mapping is
// kept when the delete fails so a later event retries it.
func (m *Mirror) unmirror(ctx context.Context, localID, reason string) bool {
	postID, ok := m.registry.LookupRemote(localID)
	if !ok {
		return false
	}
	log := m.logger(ctx, localID).With(slog.String("post_id", postID), slog.String("reason", reason))

	ctx, span := telemetry.StartSpan(ctx, "mirror.delete", telemetry.MessageAttr(localID), telemetry.PostAttr(postID))
	err := m.publisher.Delete(ctx, postID)
	telemetry.EndSpan(span, err)
	if err != nil {
		log.Error("remote delete failed", slog.Any("err", err))
		return false
	}

	m.registry.Forget(localID)
	log.Info("mirror removed")
	return true
}
