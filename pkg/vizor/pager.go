package vizor

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"
)

// server-side page size ceiling; larger limits are applied across pages
const maxPageSize = 100

// pageIter walks a paged collection. Pages carry their items under "data"
// and the absolute URL of the next page under "paging.next", null on the
// last page. Pages are fetched lazily, each under the operation retry
// loop. Iteration is forward-only.
type pageIter struct {
	sess    *Session
	op      string
	nextURL string
	buf     []gjson.Result
	cur     gjson.Result
	limit   int
	yielded int
	err     error
	closed  bool
}

func newPageIter(s *Session, op, firstURL string, limit int) *pageIter {
	return &pageIter{sess: s, op: op, nextURL: firstURL, limit: limit}
}

// Next advances to the next item, fetching pages as needed. It returns
// false when the collection or the configured limit is exhausted, or on
// error; Err distinguishes the two.
func (it *pageIter) Next(ctx context.Context) bool {
	if it.closed || it.err != nil {
		return false
	}
	if it.limit > 0 && it.yielded >= it.limit {
		it.closed = true
		return false
	}
	for len(it.buf) == 0 {
		if it.nextURL == "" {
			it.closed = true
			return false
		}
		if !it.fetch(ctx) {
			return false
		}
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	it.yielded++
	return true
}

func (it *pageIter) fetch(ctx context.Context) bool {
	var body []byte
	err := it.sess.withRetry(ctx, it.op, func() error {
		resp, err := it.sess.request(ctx, reqOptions{method: http.MethodGet, path: it.nextURL})
		if err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		it.err = err
		it.closed = true
		return false
	}

	it.buf = gjson.GetBytes(body, "data").Array()
	if next := gjson.GetBytes(body, "paging.next"); next.Type == gjson.String && next.Str != "" {
		it.nextURL = next.Str
	} else {
		it.nextURL = ""
	}
	return true
}

// Item returns the current raw item.
func (it *pageIter) Item() gjson.Result { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *pageIter) Err() error { return it.err }
