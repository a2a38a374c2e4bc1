package notifier

// queuedMessage carries the arrival order used to break priority ties.
type queuedMessage struct {
	msg OutboundMessage
	seq uint64
}

// messageQueue is a bounded priority queue. Higher priority leaves first;
// within a priority the oldest leaves first. When full, the oldest message of
// the lowest priority is evicted, which means Reminders always go before
// anything else. The queue is small, so linear scans are fine.
type messageQueue struct {
	items    []queuedMessage
	capacity int
	seq      uint64
}

func newMessageQueue(capacity int) *messageQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &messageQueue{capacity: capacity}
}

// push adds msg and returns the message evicted to make room, if any. The
// evicted message may be msg itself when everything queued outranks it.
func (q *messageQueue) push(msg OutboundMessage) (OutboundMessage, bool) {
	q.seq++
	item := queuedMessage{msg: msg, seq: q.seq}
	if len(q.items) < q.capacity {
		q.items = append(q.items, item)
		return OutboundMessage{}, false
	}

	victim := q.lowest()
	if q.items[victim].msg.Kind.priority() > msg.Kind.priority() {
		return msg, true
	}
	evicted := q.items[victim].msg
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	q.items = append(q.items, item)
	return evicted, true
}

// pop removes the next message to deliver.
func (q *messageQueue) pop() (OutboundMessage, bool) {
	if len(q.items) == 0 {
		return OutboundMessage{}, false
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		pi, pb := q.items[i].msg.Kind.priority(), q.items[best].msg.Kind.priority()
		if pi > pb || (pi == pb && q.items[i].seq < q.items[best].seq) {
			best = i
		}
	}
	msg := q.items[best].msg
	q.items = append(q.items[:best], q.items[best+1:]...)
	return msg, true
}

// lowest returns the index of the oldest message with the lowest priority.
func (q *messageQueue) lowest() int {
	worst := 0
	for i := 1; i < len(q.items); i++ {
		pi, pw := q.items[i].msg.Kind.priority(), q.items[worst].msg.Kind.priority()
		if pi < pw || (pi == pw && q.items[i].seq < q.items[worst].seq) {
			worst = i
		}
	}
	return worst
}

// drain empties the queue and returns what was in it.
func (q *messageQueue) drain() []OutboundMessage {
	out := make([]OutboundMessage, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.msg)
	}
	q.items = nil
	return out
}

func (q *messageQueue) len() int { return len(q.items) }
