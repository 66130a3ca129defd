package realtime

import (
	"container/heap"
	"sync"
	"time"
)

type SendPriority int

const (
	SendPriorityLow    SendPriority = 0
	SendPriorityNormal SendPriority = 1
	SendPriorityHigh   SendPriority = 2
)

// one queued outbound message. Never mutated after creation; it is either
// flushed to the transport or dropped on overflow.
type sendItem struct {
	envelope       *Envelope
	priority       SendPriority
	sequenceNumber uint64
	enqueuedAt     time.Time

	// the index of the item in the flush heap
	heapIndex int
	// the index of the item in the age heap
	ageHeapIndex int
}

// outbound envelope queue. The flush order is priority descending then
// sequence number ascending, so that within one priority class the enqueue
// order is preserved. A second heap ordered by sequence number alone tracks
// the oldest item for overflow eviction.
type sendQueue struct {
	orderedItems []*sendItem
	ageHeap      *sendQueueAgeHeap
	maxSize      int

	nextSequenceNumber uint64

	stateLock sync.Mutex
}

func newSendQueue(maxSize int) *sendQueue {
	sendQueue := &sendQueue{
		orderedItems: []*sendItem{},
		ageHeap:      newSendQueueAgeHeap(),
		maxSize:      maxSize,
	}
	heap.Init(sendQueue)
	return sendQueue
}

func (self *sendQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

// enqueues one envelope. If the queue exceeds the max size, the oldest item
// by enqueue order is removed regardless of priority, and returned so the
// caller can log the drop.
func (self *sendQueue) Add(envelope *Envelope, priority SendPriority) (dropped *sendItem) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := &sendItem{
		envelope:       envelope,
		priority:       priority,
		sequenceNumber: self.nextSequenceNumber,
		enqueuedAt:     time.Now(),
	}
	self.nextSequenceNumber += 1
	heap.Push(self, item)
	heap.Push(self.ageHeap, item)

	if self.maxSize < len(self.orderedItems) {
		oldest := self.ageHeap.orderedItems[0]
		heap.Remove(self.ageHeap, oldest.ageHeapIndex)
		heap.Remove(self, oldest.heapIndex)
		return oldest
	}
	return nil
}

// removes the next item in flush order
func (self *sendQueue) RemoveFirst() *sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*sendItem)
	heap.Remove(self.ageHeap, item.ageHeapIndex)
	return item
}

// removes up to n items in flush order
func (self *sendQueue) RemoveFirstN(n int) []*sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := []*sendItem{}
	for len(items) < n && 0 < len(self.orderedItems) {
		item := heap.Remove(self, 0).(*sendItem)
		heap.Remove(self.ageHeap, item.ageHeapIndex)
		items = append(items, item)
	}
	return items
}

// removes all items in flush order
func (self *sendQueue) Drain() []*sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := []*sendItem{}
	for 0 < len(self.orderedItems) {
		item := heap.Remove(self, 0).(*sendItem)
		heap.Remove(self.ageHeap, item.ageHeapIndex)
		items = append(items, item)
	}
	return items
}

func sendItemCmp(a *sendItem, b *sendItem) int {
	if a.priority != b.priority {
		// higher priority first
		if b.priority < a.priority {
			return -1
		}
		return 1
	}
	if a.sequenceNumber < b.sequenceNumber {
		return -1
	} else if b.sequenceNumber < a.sequenceNumber {
		return 1
	}
	return 0
}

// heap.Interface

func (self *sendQueue) Push(x any) {
	item := x.(*sendItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sendQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sendQueue) Len() int {
	return len(self.orderedItems)
}

func (self *sendQueue) Less(i int, j int) bool {
	return sendItemCmp(self.orderedItems[i], self.orderedItems[j]) < 0
}

func (self *sendQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

// ordered by sequence number ascending (oldest first)
type sendQueueAgeHeap struct {
	orderedItems []*sendItem
}

func newSendQueueAgeHeap() *sendQueueAgeHeap {
	ageHeap := &sendQueueAgeHeap{
		orderedItems: []*sendItem{},
	}
	heap.Init(ageHeap)
	return ageHeap
}

// heap.Interface

func (self *sendQueueAgeHeap) Push(x any) {
	item := x.(*sendItem)
	item.ageHeapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sendQueueAgeHeap) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sendQueueAgeHeap) Len() int {
	return len(self.orderedItems)
}

func (self *sendQueueAgeHeap) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *sendQueueAgeHeap) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.ageHeapIndex = i
	self.orderedItems[i] = b
	a.ageHeapIndex = j
	self.orderedItems[j] = a
}
