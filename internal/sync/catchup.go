package sync

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// CatchUpResult is the payload of a sync.catchup_done event.
type CatchUpResult struct {
	Since    int64
	Messages int
	MaxID    int64
}

// CatchUp fetches every message newer than lastSeenID, inbound first and
// then outbound, and materializes them in id order. Pages arrive newest
// first and their order across pages is not guaranteed, so the merged set is
// sorted before anything is stored. Returns the highest id seen, 0 if none.
func (e *Engine) CatchUp(ctx context.Context, lastSeenID int64) (int64, error) {
	since := lastSeenID
	if since == 0 {
		newest, err := e.newestID(ctx)
		if err != nil {
			return 0, err
		}
		if newest == 0 {
			return 0, nil
		}
		since = max(newest-e.opts.FirstLoginLimit, 0)
		e.logger.Info("first catch-up", zap.Int64("newest", newest), zap.Int64("since", since))
	}

	merged := make(map[int64]vk.Message)
	for _, out := range []string{"0", "1"} {
		params := vk.Params{}.Add("out", out).AddInt("last_message_id", since)
		err := e.api.CallItems(ctx, "messages.get", params, e.opts.PageSize, func(item gjson.Result) error {
			m, err := vk.DecodeMessage(item)
			if err != nil {
				return err
			}
			if m.ID > since {
				merged[m.ID] = m
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("catch up (out=%s): %w", out, err)
		}
	}

	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	msgs := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, e.fromAPI(merged[id]))
	}
	if err := e.Materialize(ctx, msgs); err != nil {
		return 0, err
	}

	var maxID int64
	if len(ids) > 0 {
		maxID = ids[len(ids)-1]
	}
	e.logger.Info("catch-up done", zap.Int64("since", since), zap.Int("messages", len(msgs)), zap.Int64("max_id", maxID))
	e.bus.Emit(bus.KindCatchUpDone, CatchUpResult{Since: since, Messages: len(msgs), MaxID: maxID})
	return maxID, nil
}

func (e *Engine) newestID(ctx context.Context) (int64, error) {
	res, err := e.api.Call(ctx, "messages.get", vk.Params{}.Add("count", "1"))
	if err != nil {
		return 0, fmt.Errorf("get newest message: %w", err)
	}
	if !res.Exists() {
		return 0, &vk.Error{Kind: vk.KindFloodSuppressed, Method: "messages.get", Msg: "newest message lookup dropped by flood control"}
	}
	items := res.Get("items")
	if !items.IsArray() {
		return 0, &vk.Error{Kind: vk.KindMalformedResponse, Method: "messages.get", Msg: "no items array: " + res.Raw}
	}
	return items.Get("0.id").Int(), nil
}
