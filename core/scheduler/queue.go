package scheduler

import "container/heap"

// processQueue is a heap ordered by priority (high first), then due time,
// then submission order.
type processQueue []*process

var _ heap.Interface = (*processQueue)(nil)

func (q processQueue) Len() int { return len(q) }

func (q processQueue) Less(i, j int) bool { return before(q[i], q[j]) }

func (q processQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *processQueue) Push(x interface{}) {
	p := x.(*process)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *processQueue) Pop() interface{} {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*q = old[:n-1]
	return p
}

func before(a, b *process) bool {
	if a.spec.Priority != b.spec.Priority {
		return a.spec.Priority > b.spec.Priority
	}
	if !a.scheduledFor.Equal(b.scheduledFor) {
		return a.scheduledFor.Before(b.scheduledFor)
	}
	return a.seq < b.seq
}

// history keeps the most recent terminal processes, evicting the oldest.
type history struct {
	buf   []ProcessInfo
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]ProcessInfo, capacity)}
}

func (h *history) push(info ProcessInfo) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = info
		h.size++
		return
	}
	h.buf[h.start] = info
	h.start = (h.start + 1) % len(h.buf)
}

// items returns entries oldest first.
func (h *history) items() []ProcessInfo {
	out := make([]ProcessInfo, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) find(id string) (ProcessInfo, bool) {
	for i := h.size - 1; i >= 0; i-- {
		info := h.buf[(h.start+i)%len(h.buf)]
		if info.ID == id {
			return info, true
		}
	}
	return ProcessInfo{}, false
}
