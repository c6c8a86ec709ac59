package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/vk"
	"go.uber.org/zap"
)

const markReadBatch = 100

func (e *Engine) deferAll() bool {
	return e.opts.MarkReadOnlineOnly && e.activity.Away()
}

// markOrDefer marks refs read now, or queues them until the user does
// something that shows they saw them.
func (e *Engine) markOrDefer(ctx context.Context, refs []readRef) error {
	if len(refs) == 0 {
		return nil
	}
	away := e.deferAll()
	var now []int64
	e.mu.Lock()
	for _, r := range refs {
		if away || (!e.opts.MarkReadInactiveTab && !e.activity.IsActive(r.peer)) {
			e.deferred = append(e.deferred, r)
			continue
		}
		now = append(now, r.id)
	}
	e.mu.Unlock()
	return e.markRead(ctx, now)
}

// FlushDeferred marks deferred messages read. userAction is true for sends,
// typing and returning from away; a focus change alone does nothing while
// away. Unless inactive tabs are marked too, only the active conversation
// is flushed.
func (e *Engine) FlushDeferred(ctx context.Context, userAction bool) error {
	if e.deferAll() && !userAction {
		return nil
	}
	var ids []int64
	e.mu.Lock()
	kept := e.deferred[:0]
	for _, r := range e.deferred {
		if e.opts.MarkReadInactiveTab || e.activity.IsActive(r.peer) {
			ids = append(ids, r.id)
			continue
		}
		kept = append(kept, r)
	}
	e.deferred = kept
	e.mu.Unlock()
	return e.markRead(ctx, ids)
}

// FlushPeer marks the deferred messages of one conversation read, used when
// the user sends or types there.
func (e *Engine) FlushPeer(ctx context.Context, peer vk.PeerID) error {
	var ids []int64
	e.mu.Lock()
	kept := e.deferred[:0]
	for _, r := range e.deferred {
		if r.peer == peer {
			ids = append(ids, r.id)
			continue
		}
		kept = append(kept, r)
	}
	e.deferred = kept
	e.mu.Unlock()
	return e.markRead(ctx, ids)
}

// Deferred returns the ids waiting to be marked read.
func (e *Engine) Deferred() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, len(e.deferred))
	for i, r := range e.deferred {
		ids[i] = r.id
	}
	return ids
}

// Close marks the whole deferred queue read so teardown does not leave
// messages unread on the backend indefinitely.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]int64, len(e.deferred))
	for i, r := range e.deferred {
		ids[i] = r.id
	}
	e.deferred = nil
	e.mu.Unlock()
	e.Stop()
	if len(ids) > 0 {
		e.logger.Info("marking deferred messages read on teardown", zap.Int("count", len(ids)))
	}
	return e.markRead(ctx, ids)
}

func (e *Engine) markRead(ctx context.Context, ids []int64) error {
	for start := 0; start < len(ids); start += markReadBatch {
		batch := ids[start:min(start+markReadBatch, len(ids))]
		if _, err := e.api.Call(ctx, "messages.markAsRead", vk.Params{}.Add("message_ids", vk.JoinIDs(batch))); err != nil {
			return fmt.Errorf("mark as read: %w", err)
		}
		if err := e.db.MarkMessagesRead(batch); err != nil {
			return fmt.Errorf("store read marks: %w", err)
		}
		e.bus.Emit(bus.KindMessageRead, batch)
	}
	return nil
}

// remoteRead applies a read mark made elsewhere.
func (e *Engine) remoteRead(id int64) error {
	e.mu.Lock()
	kept := e.deferred[:0]
	for _, r := range e.deferred {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	e.deferred = kept
	e.mu.Unlock()

	if err := e.db.MarkMessagesRead([]int64{id}); err != nil {
		return fmt.Errorf("store read mark %d: %w", id, err)
	}
	e.bus.Emit(bus.KindMessageRead, []int64{id})
	return nil
}
