package redisbackend

import (
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// subscription adapts a *redis.PubSub into backend.Subscription, parsing the
// ASCII-integer payload of every message and dropping anything that does
// not parse: notifications are best-effort, not an authoritative record.
type subscription struct {
	ps   *redis.PubSub
	out  chan int64
	once sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(ps *redis.PubSub) *subscription {
	s := &subscription{ps: ps, out: make(chan int64, 64)}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for msg := range ch {
		seq, err := strconv.ParseInt(msg.Payload, 10, 64)
		if err != nil {
			continue
		}
		s.out <- seq
	}
}

func (s *subscription) Notifications() <-chan int64 { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
