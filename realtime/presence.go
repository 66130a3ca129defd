package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// observable state of one remote (or the local) user. One logical instance per
// user, keyed by user id. Entries are never deleted; stale entries persist
// until overwritten with offline, so freshness filtering must use LastSeen.
type PresenceState struct {
	UserId          string
	UserName        string
	Status          PresenceStatus
	LastSeen        time.Time
	CurrentResource *ResourceRef
	Metadata        map[string]any
}

func (self *PresenceState) copy() *PresenceState {
	out := *self
	if self.CurrentResource != nil {
		resource := *self.CurrentResource
		out.CurrentResource = &resource
	}
	if self.Metadata != nil {
		out.Metadata = maps.Clone(self.Metadata)
	}
	return &out
}

type PresenceManagerSettings struct {
	// minimum interval between two flushes, measured from the previous
	// flush's send time
	PresenceUpdateInterval time.Duration
	// max updates taken from the pending map per flush
	BatchSize int
	// max entries in the pending map; oldest-inserted evicted beyond this
	MaxPendingUpdates int
}

func DefaultPresenceManagerSettings() *PresenceManagerSettings {
	return &PresenceManagerSettings{
		PresenceUpdateInterval: 2 * time.Second,
		BatchSize:              10,
		MaxPendingUpdates:      50,
	}
}

type PresenceCallbackFunction func(presences map[string]*PresenceState)

// tracks which users are present on which resource and with what status,
// throttling and coalescing outbound updates for the local user.
//
// the presence map and the pending map are mutated only by this manager;
// subscribers and getters receive defensive copies.
type PresenceManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	connection *ConnectionManager

	localUserId   string
	localUserName string

	settings *PresenceManagerSettings

	stateLock sync.Mutex
	presences map[string]*PresenceState
	// at most one pending entry per user: a newer update for the same user
	// coalesces into the not-yet-flushed entry
	pending      map[string]*PresenceUpdate
	pendingOrder []string
	flushTimer   *time.Timer
	lastFlushAt  time.Time

	subscribers *callbackList[PresenceCallbackFunction]

	unsubscribes []func()
}

func NewPresenceManagerWithDefaults(ctx context.Context, connection *ConnectionManager) *PresenceManager {
	return NewPresenceManager(ctx, connection, DefaultPresenceManagerSettings())
}

func NewPresenceManager(
	ctx context.Context,
	connection *ConnectionManager,
	settings *PresenceManagerSettings,
) *PresenceManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	localUserId := ""
	localUserName := ""
	if byJwt, err := ParseByJwtUnverified(connection.Auth().ByJwt); err == nil {
		localUserId = byJwt.UserId
		localUserName = byJwt.UserName
	}

	presenceManager := &PresenceManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		connection:    connection,
		localUserId:   localUserId,
		localUserName: localUserName,
		settings:      settings,
		presences:     map[string]*PresenceState{},
		pending:       map[string]*PresenceUpdate{},
		lastFlushAt:   time.Now(),
		subscribers:   newCallbackList[PresenceCallbackFunction](),
	}

	presenceManager.unsubscribes = append(
		presenceManager.unsubscribes,
		connection.Subscribe(MessageTypePresenceUpdate, presenceManager.receive),
		connection.Subscribe(MessageTypePresenceBatch, presenceManager.receive),
		connection.Subscribe(MessageTypeTyping, presenceManager.receive),
		connection.Subscribe(MessageTypeCollaborationPresence, presenceManager.receive),
	)

	return presenceManager
}

func (self *PresenceManager) LocalUserId() string {
	return self.localUserId
}

// records a pending update for the local user (or the user named in the
// update), coalescing with any not-yet-flushed entry, and schedules a flush.
// the local presence map is updated immediately so the UI reflects the change
// without waiting for the flush.
func (self *PresenceManager) UpdatePresence(update *PresenceUpdate) {
	if update.UserId == "" {
		update.UserId = self.localUserId
	}
	if update.UserName == "" && update.UserId == self.localUserId {
		update.UserName = self.localUserName
	}

	changed := false
	self.stateLock.Lock()
	changed = self.merge(update)
	self.enqueuePending(update)
	self.scheduleFlush()
	self.stateLock.Unlock()

	if changed {
		self.notify()
	}
}

func (self *PresenceManager) SetStatus(status PresenceStatus) {
	self.UpdatePresence(&PresenceUpdate{Status: status})
}

func (self *PresenceManager) SetCurrentResource(resource ResourceRef, metadata map[string]any) {
	self.UpdatePresence(&PresenceUpdate{
		Resource: &resource,
		Metadata: metadata,
	})
}

func (self *PresenceManager) ClearCurrentResource() {
	self.UpdatePresence(&PresenceUpdate{ClearResource: true})
}

// sends a typing indicator at low priority. Not coalesced with presence
// updates; it is its own wire type.
func (self *PresenceManager) NotifyTyping(resource ResourceRef, typing bool) {
	self.connection.Send(&Typing{
		UserId:   self.localUserId,
		Resource: resource,
		Typing:   typing,
	}, SendPriorityLow)
}

func (self *PresenceManager) GetPresence(userId string) *PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	presence, ok := self.presences[userId]
	if !ok {
		return nil
	}
	return presence.copy()
}

func (self *PresenceManager) GetAllPresence() map[string]*PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.copyPresences()
}

// non-offline users whose current resource matches
func (self *PresenceManager) GetUsersInResource(resource ResourceRef) []*PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []*PresenceState{}
	for _, presence := range self.presences {
		if presence.Status == PresenceStatusOffline {
			continue
		}
		if presence.CurrentResource != nil && *presence.CurrentResource == resource {
			users = append(users, presence.copy())
		}
	}
	return users
}

// fires once immediately with the current state, then on every change.
// returns an unsubscribe function.
func (self *PresenceManager) Subscribe(callback PresenceCallbackFunction) func() {
	handle := self.subscribers.add(callback)

	self.stateLock.Lock()
	snapshot := self.copyPresences()
	self.stateLock.Unlock()
	handleCallback("p", func() {
		callback(snapshot)
	})

	return func() {
		self.subscribers.remove(handle)
	}
}

// forces any pending updates out now, ignoring the inter-flush interval.
// used for the best-effort final offline update on teardown.
func (self *PresenceManager) Flush() {
	self.flush()
}

func (self *PresenceManager) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.stateLock.Lock()
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.stateLock.Unlock()
	self.cancel()
}

// ReceiveFunction. Batched and single updates funnel through the same merge
// routine. Updates for unknown users are inserted without roster validation.
func (self *PresenceManager) receive(message any) {
	updates := []*PresenceUpdate{}
	switch v := message.(type) {
	case *PresenceUpdate:
		updates = append(updates, v)
	case *PresenceBatch:
		updates = append(updates, v.Updates...)
	case *Typing:
		metadata := map[string]any{"typing": v.Typing}
		updates = append(updates, &PresenceUpdate{
			UserId:   v.UserId,
			Metadata: metadata,
		})
	case *CollaborationPresence:
		update := &PresenceUpdate{
			UserId:   v.UserId,
			UserName: v.UserName,
		}
		if v.Active {
			resource := v.Resource
			update.Resource = &resource
			update.Metadata = map[string]any{"activity": "editing"}
		} else {
			update.ClearResource = true
		}
		updates = append(updates, update)
	default:
		glog.Infof("[p]drop unexpected message %T\n", v)
		return
	}

	changed := false
	self.stateLock.Lock()
	for _, update := range updates {
		if update.UserId == "" || update.UserId == self.localUserId {
			// the local user is authoritative for itself
			continue
		}
		if self.merge(update) {
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		self.notify()
	}
}

// merges one update into the presence map. Returns whether the visible state
// changed: status, current resource, or serialized metadata. Must be called
// under stateLock.
func (self *PresenceManager) merge(update *PresenceUpdate) bool {
	presence, ok := self.presences[update.UserId]
	if !ok {
		presence = &PresenceState{
			UserId: update.UserId,
			Status: PresenceStatusOnline,
		}
		self.presences[update.UserId] = presence
		ok = false
	}

	changed := !ok
	if update.UserName != "" && update.UserName != presence.UserName {
		presence.UserName = update.UserName
	}
	if update.Status != "" && update.Status != presence.Status {
		presence.Status = update.Status
		changed = true
	}
	if update.ClearResource {
		if presence.CurrentResource != nil {
			presence.CurrentResource = nil
			changed = true
		}
	} else if update.Resource != nil {
		if presence.CurrentResource == nil || *presence.CurrentResource != *update.Resource {
			resource := *update.Resource
			presence.CurrentResource = &resource
			changed = true
		}
	}
	if update.Metadata != nil {
		a, _ := json.Marshal(presence.Metadata)
		b, _ := json.Marshal(update.Metadata)
		if string(a) != string(b) {
			presence.Metadata = maps.Clone(update.Metadata)
			changed = true
		}
	}
	presence.LastSeen = time.Now()
	return changed
}

// coalesces the update into the pending map. Must be called under stateLock.
func (self *PresenceManager) enqueuePending(update *PresenceUpdate) {
	if existing, ok := self.pending[update.UserId]; ok {
		// keep the last values, keep the insertion position
		if update.UserName != "" {
			existing.UserName = update.UserName
		}
		if update.Status != "" {
			existing.Status = update.Status
		}
		if update.ClearResource {
			existing.Resource = nil
			existing.ClearResource = true
		} else if update.Resource != nil {
			existing.Resource = update.Resource
			existing.ClearResource = false
		}
		if update.Metadata != nil {
			existing.Metadata = update.Metadata
		}
		return
	}

	self.pending[update.UserId] = update
	self.pendingOrder = append(self.pendingOrder, update.UserId)

	if self.settings.MaxPendingUpdates < len(self.pending) {
		// evict the oldest-inserted entry
		oldest := self.pendingOrder[0]
		self.pendingOrder = self.pendingOrder[1:]
		delete(self.pending, oldest)
		glog.Infof("[p]pending overflow, dropped %s\n", oldest)
	}
}

// schedules a flush respecting the minimum inter-flush interval measured from
// the previous flush's send time. Must be called under stateLock.
func (self *PresenceManager) scheduleFlush() {
	if self.flushTimer != nil {
		return
	}
	delay := self.settings.PresenceUpdateInterval - time.Since(self.lastFlushAt)
	if delay < 0 {
		delay = 0
	}
	self.flushTimer = time.AfterFunc(delay, self.flush)
}

func (self *PresenceManager) flush() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.stateLock.Lock()
	self.flushTimer = nil

	n := self.settings.BatchSize
	if len(self.pendingOrder) < n {
		n = len(self.pendingOrder)
	}
	updates := make([]*PresenceUpdate, 0, n)
	for _, userId := range self.pendingOrder[:n] {
		updates = append(updates, self.pending[userId])
		delete(self.pending, userId)
	}
	self.pendingOrder = self.pendingOrder[n:]
	self.lastFlushAt = time.Now()
	remaining := 0 < len(self.pendingOrder)
	if remaining {
		self.scheduleFlush()
	}
	self.stateLock.Unlock()

	if len(updates) == 0 {
		return
	}
	if len(updates) == 1 {
		self.connection.Send(updates[0], SendPriorityNormal)
	} else {
		self.connection.Send(&PresenceBatch{Updates: updates}, SendPriorityNormal)
	}
	glog.V(1).Infof("[p]flush %d->\n", len(updates))
}

func (self *PresenceManager) notify() {
	self.stateLock.Lock()
	snapshot := self.copyPresences()
	self.stateLock.Unlock()

	for _, callback := range self.subscribers.get() {
		callback := callback
		handleCallback("p", func() {
			callback(snapshot)
		})
	}
}

// must be called under stateLock
func (self *PresenceManager) copyPresences() map[string]*PresenceState {
	out := make(map[string]*PresenceState, len(self.presences))
	for userId, presence := range self.presences {
		out[userId] = presence.copy()
	}
	return out
}
