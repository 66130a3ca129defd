package realtime

import (
	"sync"

	"github.com/golang/glog"
)

// registry of subscriber callbacks. Makes a copy of the list on update so that
// iteration never holds the lock. Callbacks are identified by a handle so the
// same function can be registered more than once.
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	handles   []int
	callbacks map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.handles))
	for _, handle := range self.handles {
		out = append(out, self.callbacks[handle])
	}
	return out
}

// returns a handle to remove the callback
func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle := self.nextId
	self.nextId += 1
	self.handles = append(self.handles, handle)
	self.callbacks[handle] = callback
	return handle
}

func (self *callbackList[T]) remove(handle int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[handle]; !ok {
		// not present
		return
	}
	delete(self.callbacks, handle)
	nextHandles := make([]int, 0, len(self.handles)-1)
	for _, h := range self.handles {
		if h != handle {
			nextHandles = append(nextHandles, h)
		}
	}
	self.handles = nextHandles
}

// invokes a callback, isolating panics so that one subscriber cannot affect
// the dispatch loop or other subscribers
func handleCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[%s]subscriber panic = %v\n", tag, r)
		}
	}()
	callback()
}
