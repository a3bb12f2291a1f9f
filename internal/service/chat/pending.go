package chat

import (
	"sync"
	"time"

	"uk.co.dudmesh.waggle/internal/model"
)

// pendingSend correlates an optimistic message with its eventual server
// confirmation. The table is the only place temp ids are tracked; the
// message object itself carries no pending state.
type pendingSend struct {
	TempID         string
	ConversationID model.ConversationID
	ReceiverID     model.UserID
	CreatedAt      time.Time
}

type pendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingSend
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: map[string]pendingSend{}}
}

func (p *pendingTable) add(entry pendingSend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entry.TempID] = entry
}

// resolve removes and returns the entry for the temp id. A missing entry
// means the send was already resolved or marked failed.
func (p *pendingTable) resolve(tempID string) (pendingSend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[tempID]
	if ok {
		delete(p.entries, tempID)
	}
	return entry, ok
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
