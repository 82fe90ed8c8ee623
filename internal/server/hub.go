package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/changelog"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/coordinator"
)

// OpenCoordinator activates the coordinator for one workspace, loading its
// persisted log before it serves.
type OpenCoordinator func(ctx context.Context, workspaceID changelog.WorkspaceID) (*coordinator.Coordinator, error)

type hubEntry struct {
	once  sync.Once
	coord *coordinator.Coordinator
	err   error
}

// Hub maps workspace identifiers to their single live coordinator instance,
// activating each lazily on first use. Activation of one workspace never
// blocks requests for another.
type Hub struct {
	mu      sync.Mutex
	entries map[string]*hubEntry
	open    OpenCoordinator
}

// NewHub constructs a hub around the provided activation function.
func NewHub(open OpenCoordinator) *Hub {
	return &Hub{
		entries: make(map[string]*hubEntry),
		open:    open,
	}
}

// Get returns the coordinator owning the workspace, activating it if needed.
// A failed activation is forgotten so a later request can retry.
func (h *Hub) Get(ctx context.Context, workspaceID changelog.WorkspaceID) (*coordinator.Coordinator, error) {
	key := workspaceID.String()

	h.mu.Lock()
	entry, ok := h.entries[key]
	if !ok {
		entry = &hubEntry{}
		h.entries[key] = entry
	}
	h.mu.Unlock()

	entry.once.Do(func() {
		entry.coord, entry.err = h.open(ctx, workspaceID)
	})

	if entry.err != nil {
		h.mu.Lock()
		if h.entries[key] == entry {
			delete(h.entries, key)
		}
		h.mu.Unlock()
		return nil, entry.err
	}
	return entry.coord, nil
}

// Shutdown stops every active coordinator.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.entries))
	for _, entry := range h.entries {
		entries = append(entries, entry)
	}
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, entry := range entries {
		if entry.coord != nil {
			entry.coord.Close()
		}
	}
}
