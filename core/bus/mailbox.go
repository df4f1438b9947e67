package bus

import "sync"

// mailbox is an unbounded FIFO consumed by one goroutine per component, so a
// slow handler only delays its own component's messages.
type mailbox struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far.
func (m *mailbox) take() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// run delivers queued messages in order until the mailbox is closed.
func (m *mailbox) run(deliver func(Message)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
			for _, msg := range m.take() {
				select {
				case <-m.done:
					return
				default:
				}
				deliver(msg)
			}
		}
	}
}
