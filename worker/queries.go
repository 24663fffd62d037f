package worker

import (
	"honnef.co/go/tracecap/container"
	"honnef.co/go/tracecap/protocol"
)

type queryKey struct {
	typ protocol.QueryType
	ptr uint64
}

// queries implements deferred resolution. Every reference to data we don't have yet turns into at most one
// query. At most window queries are unanswered at any time; the rest wait in a FIFO queue until replies
// free up room. Encoded queries accumulate in out until the decoder writes them to the producer.
//
// Only replies to queries that are on the wire free up room. Replies nobody asked for are applied by the
// dispatcher but don't affect the window.
type queries struct {
	window int
	// outstanding is the number of sent queries that haven't been answered, len(sent).
	outstanding int
	// pending holds every requested query that hasn't been answered, sent or queued.
	pending container.Set[queryKey]
	sent    container.Set[queryKey]
	// inflight lists sent queries in the order they were sent. It may contain keys that have since been
	// answered out of order.
	inflight     []queryKey
	inflightHead int
	queue        []protocol.Query
	head         int
	out          []byte

	// Sent counts the queries that have been encoded so far.
	Sent uint64
}

func newQueries(window int) *queries {
	return &queries{
		window:  window,
		pending: container.Set[queryKey]{},
		sent:    container.Set[queryKey]{},
	}
}

// request asks the producer for data, unless the same data has already been requested and not been
// delivered yet. It reports whether a new query was made.
func (q *queries) request(typ protocol.QueryType, ptr uint64) bool {
	if !q.pending.TryAdd(queryKey{typ, ptr}) {
		return false
	}
	qry := protocol.Query{Type: typ, Ptr: ptr}
	if q.outstanding < q.window {
		q.emit(qry)
	} else {
		q.queue = append(q.queue, qry)
	}
	return true
}

func (q *queries) emit(qry protocol.Query) {
	key := queryKey{qry.Type, qry.Ptr}
	q.out = qry.Append(q.out)
	q.sent.Add(key)
	q.inflight = append(q.inflight, key)
	q.outstanding++
	q.Sent++
}

// control encodes a query that isn't answered and thus doesn't take up room in the window.
func (q *queries) control(typ protocol.QueryType) {
	q.out = protocol.Query{Type: typ}.Append(q.out)
}

// answered marks the query for (typ, ptr) as delivered. It reports whether the query had been requested.
// A query that was still queued is dropped from the queue.
func (q *queries) answered(typ protocol.QueryType, ptr uint64) bool {
	key := queryKey{typ, ptr}
	if !q.isPending(typ, ptr) {
		return false
	}
	q.pending.Delete(key)
	if q.sent.Has(key) {
		q.retire(key)
	}
	return true
}

// noop handles a producer's acknowledgement of a query it had no data for. The producer answers queries in
// order, so the acknowledgement belongs to the oldest unanswered query. It reports whether such a query
// existed.
func (q *queries) noop() bool {
	for q.inflightHead < len(q.inflight) {
		key := q.inflight[q.inflightHead]
		q.inflightHead++
		if q.sent.Has(key) {
			q.pending.Delete(key)
			q.retire(key)
			return true
		}
	}
	q.compactInflight()
	return false
}

// retire frees the window slot of a sent query and moves queued queries into the window.
func (q *queries) retire(key queryKey) {
	q.sent.Delete(key)
	q.outstanding--
	for q.outstanding < q.window && q.head < len(q.queue) {
		qry := q.queue[q.head]
		q.queue[q.head] = protocol.Query{}
		q.head++
		if q.isPending(qry.Type, qry.Ptr) {
			q.emit(qry)
		}
	}
	switch {
	case q.head == len(q.queue):
		q.queue = q.queue[:0]
		q.head = 0
	case q.head >= 4096 && q.head*2 >= len(q.queue):
		n := copy(q.queue, q.queue[q.head:])
		q.queue = q.queue[:n]
		q.head = 0
	}
	q.compactInflight()
}

func (q *queries) compactInflight() {
	switch {
	case q.outstanding == 0:
		q.inflight = q.inflight[:0]
		q.inflightHead = 0
	case q.inflightHead >= 4096 && q.inflightHead*2 >= len(q.inflight):
		n := copy(q.inflight, q.inflight[q.inflightHead:])
		q.inflight = q.inflight[:n]
		q.inflightHead = 0
	}
}

func (q *queries) isPending(typ protocol.QueryType, ptr uint64) bool {
	return q.pending.Has(queryKey{typ, ptr})
}

// queued returns the number of queries waiting for room in the window.
func (q *queries) queued() int { return len(q.queue) - q.head }

// take returns the encoded queries and resets the buffer. The returned slice is valid until the next call
// to request or control.
func (q *queries) take() []byte {
	out := q.out
	q.out = q.out[:0]
	return out
}
