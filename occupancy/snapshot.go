// Package occupancy tracks who is connected to each voice channel and decides when the
// change is worth announcing.
//
// The Tracker debounces voice-state events per channel, compares the live member count with
// the last announced Snapshot, posts an announcement when they differ, and keeps a reminder
// running for every occupied channel so the count is re-checked on a fixed period.
package occupancy

import (
	"errors"

	"github.com/onnwee/discord-relay/kvstore"
)

// Namespace is the document name of the occupancy registry.
const Namespace = "speakers"

// ErrNotVoiceChannel is returned by a Counter for channels that have no voice membership.
var ErrNotVoiceChannel = errors.New("not a voice channel")

// Snapshot is the occupancy of one voice channel at a point in time.
type Snapshot struct {
	Bots   int `json:"bots"`
	Humans int `json:"humans"`
}

// Total returns bots + humans.
func (s Snapshot) Total() int { return s.Bots + s.Humans }

// Equal reports whether both counts match.
func (s Snapshot) Equal(o Snapshot) bool { return s.Bots == o.Bots && s.Humans == o.Humans }

// Registry maps a voice channel id to the last snapshot that was announced for it.
type Registry struct {
	store *kvstore.Store[Snapshot]
}

// NewRegistry wraps an opened store.
func NewRegistry(store *kvstore.Store[Snapshot]) *Registry {
	return &Registry{store: store}
}

// GetLast returns the last announced snapshot for channelID.
func (r *Registry) GetLast(channelID string) (Snapshot, bool) {
	return r.store.Get(channelID)
}

// RecordLast stores snap for channelID and schedules a write-back.
func (r *Registry) RecordLast(channelID string, snap Snapshot) {
	r.store.Set(channelID, snap)
	r.store.RequestPersist()
}

// Store exposes the backing store (shutdown flushes it).
func (r *Registry) Store() *kvstore.Store[Snapshot] { return r.store }
