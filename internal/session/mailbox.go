package session

import "sync"

// mailbox 是事件循环的无界收件箱。post 从不阻塞，因此可以在回调中调用。
type mailbox struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev any) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take 取出一个事件，没有时返回 false。
func (m *mailbox) take() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	ev := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return ev, true
}
