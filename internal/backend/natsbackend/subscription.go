package natsbackend

import (
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"
)

// subscription adapts a channel-based NATS subscription into
// backend.Subscription.
type subscription struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	out  chan int64
	quit chan struct{}
	once sync.Once
}

func newSubscription(sub *nats.Subscription, msgs chan *nats.Msg) *subscription {
	s := &subscription{
		sub:  sub,
		msgs: msgs,
		out:  make(chan int64, 64),
		quit: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				return
			}
			seq, err := strconv.ParseInt(string(msg.Data), 10, 64)
			if err != nil {
				continue
			}
			select {
			case s.out <- seq:
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) Notifications() <-chan int64 { return s.out }

func (s *subscription) Err() error { return nil }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.quit)
	})
	return err
}
