package roomkit

import (
	"context"
	"sync"
)

// notifier delivers listener events on its own goroutine so media pipelines
// and the session lock never wait on user code. Events keep push order.
type notifier struct {
	mutex     sync.Mutex
	items     []func(Listener)
	signal    chan struct{}
	listeners *listenerSet
	isOpen    bool
	idle      *sync.Cond
	running   bool
	done      chan struct{}
}

func newNotifier(ctx context.Context, listeners *listenerSet) *notifier {
	n := &notifier{
		signal:    make(chan struct{}, 1),
		listeners: listeners,
		isOpen:    true,
		done:      make(chan struct{}),
	}
	n.idle = sync.NewCond(&n.mutex)

	go n.run(ctx)

	return n
}

// push queues an event. It never blocks; events pushed after the notifier
// stopped are dropped.
func (n *notifier) push(item func(Listener)) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if !n.isOpen {
		return
	}

	n.items = append(n.items, item)

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// flush waits until every event pushed before the call has been delivered.
func (n *notifier) flush() {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	for n.isOpen && (len(n.items) > 0 || n.running) {
		n.idle.Wait()
	}
}

func (n *notifier) run(ctx context.Context) {
	defer func() {
		n.mutex.Lock()
		n.isOpen = false
		n.items = nil
		n.idle.Broadcast()
		n.mutex.Unlock()
		close(n.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.signal:
		}

		for {
			n.mutex.Lock()
			if len(n.items) == 0 {
				n.running = false
				n.idle.Broadcast()
				n.mutex.Unlock()

				break
			}

			item := n.items[0]
			n.items[0] = nil
			n.items = n.items[1:]
			n.running = true
			n.mutex.Unlock()

			n.listeners.fanOut(item)

			if ctx.Err() != nil {
				return
			}
		}
	}
}
