package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ActivityMonitorSettings struct {
	// inactivity window after which a visible user goes away
	AwayThreshold time.Duration
}

func DefaultActivityMonitorSettings() *ActivityMonitorSettings {
	return &ActivityMonitorSettings{
		AwayThreshold: 5 * time.Minute,
	}
}

// derives the local user's presence status from input activity and view
// visibility, the way a browser tab derives it from pointer/key/scroll/touch
// events and the page visibility api:
//   - online while visible and input has occurred within the away threshold
//   - any input while away immediately returns to online
//   - visibility loss forces away immediately, regain forces online
//   - stop flushes a best-effort offline (delivery not guaranteed)
type ActivityMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	presence *PresenceManager
	settings *ActivityMonitorSettings

	stateLock   sync.Mutex
	visible     bool
	lastInputAt time.Time
	status      PresenceStatus
	awayTimer   *time.Timer
}

func NewActivityMonitorWithDefaults(ctx context.Context, presence *PresenceManager) *ActivityMonitor {
	return NewActivityMonitor(ctx, presence, DefaultActivityMonitorSettings())
}

func NewActivityMonitor(
	ctx context.Context,
	presence *PresenceManager,
	settings *ActivityMonitorSettings,
) *ActivityMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	activityMonitor := &ActivityMonitor{
		ctx:         cancelCtx,
		cancel:      cancel,
		presence:    presence,
		settings:    settings,
		visible:     true,
		lastInputAt: time.Now(),
		status:      PresenceStatusOnline,
	}
	activityMonitor.stateLock.Lock()
	activityMonitor.scheduleAwayCheck()
	activityMonitor.stateLock.Unlock()
	presence.SetStatus(PresenceStatusOnline)
	return activityMonitor
}

func (self *ActivityMonitor) Status() PresenceStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

// a qualifying user input event (pointer, key, scroll, touch)
func (self *ActivityMonitor) RecordInput() {
	self.stateLock.Lock()
	self.lastInputAt = time.Now()
	transition := self.visible && self.status == PresenceStatusAway
	if transition {
		self.status = PresenceStatusOnline
	}
	self.scheduleAwayCheck()
	self.stateLock.Unlock()

	if transition {
		glog.V(1).Infof("[a]away -> online\n")
		self.presence.SetStatus(PresenceStatusOnline)
	}
}

func (self *ActivityMonitor) SetVisible(visible bool) {
	self.stateLock.Lock()
	if self.visible == visible {
		self.stateLock.Unlock()
		return
	}
	self.visible = visible
	var status PresenceStatus
	if visible {
		// visibility regain forces online, independent of the away timer
		status = PresenceStatusOnline
		self.lastInputAt = time.Now()
		self.scheduleAwayCheck()
	} else {
		// visibility loss forces away immediately
		status = PresenceStatusAway
	}
	self.status = status
	self.stateLock.Unlock()

	self.presence.SetStatus(status)
}

// best-effort final update on teardown
func (self *ActivityMonitor) Stop() {
	self.stateLock.Lock()
	if self.awayTimer != nil {
		self.awayTimer.Stop()
		self.awayTimer = nil
	}
	self.status = PresenceStatusOffline
	self.stateLock.Unlock()

	self.presence.SetStatus(PresenceStatusOffline)
	self.presence.Flush()
	self.cancel()
}

// must be called under stateLock
func (self *ActivityMonitor) scheduleAwayCheck() {
	if self.awayTimer != nil {
		self.awayTimer.Stop()
	}
	self.awayTimer = time.AfterFunc(self.settings.AwayThreshold, self.awayCheck)
}

func (self *ActivityMonitor) awayCheck() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.stateLock.Lock()
	transition := false
	if self.visible && self.status == PresenceStatusOnline {
		if self.settings.AwayThreshold <= time.Since(self.lastInputAt) {
			self.status = PresenceStatusAway
			transition = true
		} else {
			self.scheduleAwayCheck()
		}
	}
	self.stateLock.Unlock()

	if transition {
		glog.V(1).Infof("[a]online -> away\n")
		self.presence.SetStatus(PresenceStatusAway)
	}
}
