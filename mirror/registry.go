package mirror

import (
	"github.com/onnwee/discord-relay/kvstore"
	"github.com/onnwee/discord-relay/telemetry"
)

// Namespace is the document name of the message registry.
const Namespace = "id"

// Registry maps a local message id to the id of the remote post mirroring it.
type Registry struct {
	store *kvstore.Store[string]
}

// NewRegistry wraps an opened store.
func NewRegistry(store *kvstore.Store[string]) *Registry {
	telemetry.SetMirroredEntries(store.Len())
	return &Registry{store: store}
}

// RecordMirror maps localID to remoteID and schedules a write-back.
func (r *Registry) RecordMirror(localID, remoteID string) {
	r.store.Set(localID, remoteID)
	r.store.RequestPersist()
	telemetry.SetMirroredEntries(r.store.Len())
}

// LookupRemote returns the remote post id mirrored from localID.
func (r *Registry) LookupRemote(localID string) (string, bool) {
	return r.store.Get(localID)
}

// Forget removes localID and schedules a write-back. Unknown ids are a no-op.
func (r *Registry) Forget(localID string) {
	if _, ok := r.store.Get(localID); !ok {
		return
	}
	r.store.Delete(localID)
	r.store.RequestPersist()
	telemetry.SetMirroredEntries(r.store.Len())
}

// LocalIDs returns every mirrored local message id in sorted order.
func (r *Registry) LocalIDs() []string { return r.store.Keys() }

// Store exposes the backing store (shutdown flushes it).
func (r *Registry) Store() *kvstore.Store[string] { return r.store }
