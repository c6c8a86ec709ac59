package sync

import (
	"fmt"
	"strconv"

	"github.com/matheus3301/vksync/internal/longpoll"
	"github.com/matheus3301/vksync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys in sync_state.
const (
	KeyLongPollTS = "lp_ts"
	KeyLastMsgID  = "last_msg_id"
)

// Reconciler manages sync checkpoints. It persists the long-poll cursor.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

func (r *Reconciler) intCheckpoint(key string) (int64, error) {
	v, err := r.db.GetCheckpoint(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return n, nil
}

// LoadCursor implements longpoll.CursorStore.
func (r *Reconciler) LoadCursor() (longpoll.Cursor, error) {
	ts, err := r.intCheckpoint(KeyLongPollTS)
	if err != nil {
		return longpoll.Cursor{}, err
	}
	last, err := r.intCheckpoint(KeyLastMsgID)
	if err != nil {
		return longpoll.Cursor{}, err
	}
	return longpoll.Cursor{TS: ts, LastMsgID: last}, nil
}

// SaveCursor implements longpoll.CursorStore. The last message id never
// moves backwards.
func (r *Reconciler) SaveCursor(c longpoll.Cursor) error {
	prev, err := r.intCheckpoint(KeyLastMsgID)
	if err != nil {
		r.logger.Warn("unreadable last message checkpoint, overwriting", zap.Error(err))
		prev = 0
	}
	if err := r.db.UpdateCheckpoint(KeyLongPollTS, strconv.FormatInt(c.TS, 10)); err != nil {
		return err
	}
	if c.LastMsgID > prev {
		return r.db.UpdateCheckpoint(KeyLastMsgID, strconv.FormatInt(c.LastMsgID, 10))
	}
	return nil
}
