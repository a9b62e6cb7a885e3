package stake

// withdrawalQueue is an append-only sequence of entries plus a head
// cursor. Cancellation tombstones an entry in place (amount zeroed) so
// index addressing against the head stays stable while the head moves.
type withdrawalQueue struct {
	entries []WithdrawalEntry
	head    int
}

func (q *withdrawalQueue) append(e WithdrawalEntry) {
	q.entries = append(q.entries, e)
}

// live returns the entries at and after the head, tombstones included.
func (q *withdrawalQueue) live() []WithdrawalEntry {
	out := make([]WithdrawalEntry, len(q.entries)-q.head)
	copy(out, q.entries[q.head:])
	return out
}

// liveAmount sums the non-tombstoned amounts still queued.
func (q *withdrawalQueue) liveAmount() uint64 {
	var sum uint64
	for _, e := range q.entries[q.head:] {
		sum += e.Amount
	}
	return sum
}

// resolve maps a head-relative index to an absolute one, or -1 when out
// of bounds.
func (q *withdrawalQueue) resolve(relative uint64) int {
	abs := q.head + int(relative)
	if abs < q.head || abs >= len(q.entries) {
		return -1
	}
	return abs
}

// collapse resets the backing array once the head reaches the tail, so a
// fully drained queue does not grow without bound.
func (q *withdrawalQueue) collapse() {
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
	}
}

func (q *withdrawalQueue) snapshot() withdrawalQueue {
	cp := withdrawalQueue{
		entries: make([]WithdrawalEntry, len(q.entries)),
		head:    q.head,
	}
	copy(cp.entries, q.entries)
	return cp
}
