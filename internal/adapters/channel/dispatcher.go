package channel

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Dispatcher fans events out to subscribers by event name. Subscribers of one
// name run in subscription order; unsubscribe removes exactly that subscription.
type Dispatcher[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscriber[T]
}

func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{subs: make(map[string][]subscriber[T])}
}

func (d *Dispatcher[T]) On(name string, fn func(T)) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[name] = append(d.subs[name], subscriber[T]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(name, id) })
	}
}

func (d *Dispatcher[T]) remove(name string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[name]
	for i, s := range list {
		if s.id == id {
			next := make([]subscriber[T], 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(d.subs, name)
			} else {
				d.subs[name] = next
			}
			return
		}
	}
}

// Emit calls every subscriber of name outside the lock and returns how many ran.
func (d *Dispatcher[T]) Emit(name string, v T) int {
	d.mu.Lock()
	snapshot := d.subs[name]
	d.mu.Unlock()
	for _, s := range snapshot {
		s.fn(v)
	}
	return len(snapshot)
}

func (d *Dispatcher[T]) Len(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[name])
}
