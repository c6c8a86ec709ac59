package vk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// CallItems pages through a method returning `{count, items}`, calling fn for
// every item. Paging stops on a short or empty page, or once `count` items
// were seen when the backend reports it.
//
// A page swallowed by flood control fails the read with KindFloodSuppressed
// and a page without an items array fails with KindMalformedResponse; in
// both cases the caller cannot know whether items were lost.
func (g *Gateway) CallItems(ctx context.Context, method string, params Params, pageSize int, fn func(gjson.Result) error) error {
	offset := 0
	for {
		page := append(Params{}, params...)
		page = page.Add("count", strconv.Itoa(pageSize))
		if offset > 0 {
			page = page.Add("offset", strconv.Itoa(offset))
		}
		res, err := g.Call(ctx, method, page)
		if err != nil {
			return err
		}
		if !res.Exists() {
			return &Error{Kind: KindFloodSuppressed, Method: method,
				Msg: fmt.Sprintf("page at offset %d dropped by flood control", offset)}
		}
		raw := res.Get("items")
		if !raw.IsArray() {
			return &Error{Kind: KindMalformedResponse, Method: method,
				Msg: fmt.Sprintf("page at offset %d has no items array: %s", offset, res.Raw)}
		}
		items := raw.Array()
		for _, item := range items {
			if err := fn(item); err != nil {
				return err
			}
		}
		offset += len(items)
		if len(items) < pageSize {
			return nil
		}
		if total := res.Get("count"); total.Exists() && int64(offset) >= total.Int() {
			return nil
		}
	}
}
