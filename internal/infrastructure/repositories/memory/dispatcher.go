package memory

import "sync"

// dispatcher runs queued callbacks one at a time on its own goroutine, so a
// subscriber sees events in enqueue order and never blocks the writer.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		}

		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			fn()
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.queue = nil
		d.mu.Unlock()
		close(d.done)
	})
}
