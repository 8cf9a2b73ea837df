package memorybackend

import "sync"

type subscription struct {
	backend *Backend
	channel string
	out     chan int64
	once    sync.Once

	// mu guards closed so a Publish racing with Close never sends on the
	// closed out channel.
	mu     sync.Mutex
	closed bool
}

func newSubscription(b *Backend, channel string) *subscription {
	return &subscription{
		backend: b,
		channel: channel,
		out:     make(chan int64, 64),
	}
}

func (s *subscription) deliver(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- seq:
	default:
		// Slow subscriber; live notifications are best-effort, so drop
		// rather than block the publisher.
	}
}

func (s *subscription) Notifications() <-chan int64 { return s.out }

func (s *subscription) Err() error { return nil }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.backend.unsubscribe(s.channel, s)
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
	return nil
}
