package tree

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/pkg/acl"
	"github.com/arborfs/arbor/pkg/store/node"
)

// Event names a lifecycle event emitted around a mutating operation.
type Event string

const (
	PreCreateFile        Event = "preCreateFile"
	PostCreateFile       Event = "postCreateFile"
	PreCreateCollection  Event = "preCreateCollection"
	PostCreateCollection Event = "postCreateCollection"
	PrePutFile           Event = "prePutFile"
	PostPutFile          Event = "postPutFile"
	PreDeleteFile        Event = "preDeleteFile"
	PostDeleteFile       Event = "postDeleteFile"
	PreDeleteCollection  Event = "preDeleteCollection"
	PostDeleteCollection Event = "postDeleteCollection"
	PreCopyFile          Event = "preCopyFile"
	PostCopyFile         Event = "postCopyFile"
	PreCopyCollection    Event = "preCopyCollection"
	PostCopyCollection   Event = "postCopyCollection"
	PreRestoreFile       Event = "preRestoreFile"
	PostRestoreFile      Event = "postRestoreFile"
	PreSaveAttributes    Event = "preSaveNodeAttributes"
	PostSaveAttributes   Event = "postSaveNodeAttributes"
)

// EventContext carries the state a hook sees for one emission.
type EventContext struct {
	// Event is the emitted event name.
	Event Event

	// Node is the node the operation acts on. Hooks must treat it as
	// read-only.
	Node *node.Node

	// User is the acting user, nil for system operations.
	User *acl.User

	// Token identifies one logical operation. Recursive operations
	// (collection delete/copy/share) pass the same token to every cascaded
	// emission.
	Token uuid.UUID

	// Root is true on the outermost emission of an operation and false on
	// emissions cascaded to descendants.
	Root bool
}

// Hook is a lifecycle event subscriber. A pre-event hook returning an error
// vetoes the operation; errors from post-event hooks are logged and ignored.
type Hook func(ctx context.Context, ev *EventContext) error

// Hub dispatches lifecycle events to registered hooks. Subscribers register
// at startup; the hub is injected into the engine, never looked up globally.
type Hub struct {
	mu    sync.RWMutex
	hooks map[Event][]Hook
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{hooks: make(map[Event][]Hook)}
}

// Subscribe registers a hook for an event. Hooks run in registration order.
func (h *Hub) Subscribe(event Event, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[event] = append(h.hooks[event], hook)
}

// publish runs all hooks for a pre event and returns the first error,
// vetoing the operation.
func (h *Hub) publish(ctx context.Context, ev *EventContext) error {
	h.mu.RLock()
	hooks := h.hooks[ev.Event]
	h.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// notify runs all hooks for a post event. Hook errors are logged, never
// propagated: the mutation already happened.
func (h *Hub) notify(ctx context.Context, ev *EventContext) {
	h.mu.RLock()
	hooks := h.hooks[ev.Event]
	h.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			log.Warn().Str("event", string(ev.Event)).Err(err).
				Msg("post-event hook failed")
		}
	}
}
