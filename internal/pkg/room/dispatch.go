package room

import "sync"

// dispatcher runs listener callbacks one at a time, in the order the state
// machine queued them, on a goroutine that holds no room lock.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *dispatcher) push(fns ...func()) {
	if len(fns) == 0 {
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()

		return
	}

	d.queue = append(d.queue, fns...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for range d.wake {
		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			stopped := d.stopped
			d.mu.Unlock()

			for _, fn := range batch {
				fn()
			}

			if len(batch) == 0 {
				if stopped {
					return
				}

				break
			}
		}
	}
}

// stop drains what is already queued and ends the goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done

		return
	}

	d.stopped = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	<-d.done
}
