package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPresenceSettings() *PresenceManagerSettings {
	return &PresenceManagerSettings{
		PresenceUpdateInterval: 50 * time.Millisecond,
		BatchSize:              10,
		MaxPendingUpdates:      5,
	}
}

func newTestPresenceManager(t *testing.T, settings *PresenceManagerSettings) (*PresenceManager, *testDialer, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := newTestDialer(nil)
	connection := NewConnectionManager(ctx, testAuth("local", "Local User"), dialer.dial, testConnectionSettings())
	presence := NewPresenceManager(ctx, connection, settings)

	return presence, dialer, func() {
		presence.Close()
		connection.Close()
		cancel()
	}
}

func TestPresenceCoalescing(t *testing.T) {
	presence, dialer, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	// both updates land before the first flush; only the last values go out
	presence.SetStatus(PresenceStatusBusy)
	presence.SetCurrentResource(ResourceRef{ResourceId: "n1", ResourceType: "note"}, nil)
	presence.SetStatus(PresenceStatusOnline)

	presence.stateLock.Lock()
	assert.Equal(t, len(presence.pending), 1)
	pending := presence.pending["local"]
	assert.Equal(t, pending.Status, PresenceStatusOnline)
	assert.Equal(t, pending.Resource.ResourceId, "n1")
	presence.stateLock.Unlock()

	err := presence.connection.Connect(context.Background())
	assert.Equal(t, err, nil)
	server := <-dialer.serverEnds

	frame := readFrame(t, server, 2*time.Second)
	envelopes, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(envelopes), 1)
	assert.Equal(t, envelopes[0].Type, MessageTypePresenceUpdate)

	update := &PresenceUpdate{}
	json.Unmarshal(envelopes[0].Data, update)
	assert.Equal(t, update.UserId, "local")
	assert.Equal(t, update.Status, PresenceStatusOnline)
	assert.Equal(t, update.Resource.ResourceId, "n1")
}

func TestPresencePendingBound(t *testing.T) {
	settings := testPresenceSettings()
	settings.PresenceUpdateInterval = 1 * time.Hour

	presence, _, close := newTestPresenceManager(t, settings)
	defer close()

	// prime the inter-flush clock so no immediate flush drains the map
	presence.stateLock.Lock()
	presence.lastFlushAt = time.Now()
	presence.stateLock.Unlock()

	k := 3
	for i := 0; i < settings.MaxPendingUpdates+k; i += 1 {
		presence.UpdatePresence(&PresenceUpdate{
			UserId: fmt.Sprintf("u%d", i),
			Status: PresenceStatusOnline,
		})
	}

	presence.stateLock.Lock()
	defer presence.stateLock.Unlock()
	assert.Equal(t, len(presence.pending), settings.MaxPendingUpdates)
	// the k oldest-inserted users are absent
	for i := 0; i < k; i += 1 {
		_, ok := presence.pending[fmt.Sprintf("u%d", i)]
		assert.Equal(t, ok, false)
	}
	for i := k; i < settings.MaxPendingUpdates+k; i += 1 {
		_, ok := presence.pending[fmt.Sprintf("u%d", i)]
		assert.Equal(t, ok, true)
	}
}

func TestPresenceBatchFlush(t *testing.T) {
	settings := testPresenceSettings()

	presence, dialer, close := newTestPresenceManager(t, settings)
	defer close()

	for i := 0; i < 3; i += 1 {
		presence.UpdatePresence(&PresenceUpdate{
			UserId: fmt.Sprintf("u%d", i),
			Status: PresenceStatusOnline,
		})
	}

	err := presence.connection.Connect(context.Background())
	assert.Equal(t, err, nil)
	server := <-dialer.serverEnds

	// more than one pending entry flushes as a presence_batch
	frame := readFrame(t, server, 2*time.Second)
	envelopes, err := DecodeFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(envelopes), 1)
	assert.Equal(t, envelopes[0].Type, MessageTypePresenceBatch)

	batch := &PresenceBatch{}
	json.Unmarshal(envelopes[0].Data, batch)
	assert.Equal(t, len(batch.Updates), 3)
}

func TestPresenceIdempotentNotify(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	notifications := 0
	unsubscribe := presence.Subscribe(func(presences map[string]*PresenceState) {
		notifications += 1
	})
	defer unsubscribe()

	// one immediate fire on subscribe
	assert.Equal(t, notifications, 1)

	presence.SetStatus(PresenceStatusBusy)
	assert.Equal(t, notifications, 2)

	// identical repeated update must not re-notify
	presence.SetStatus(PresenceStatusBusy)
	assert.Equal(t, notifications, 2)

	presence.SetStatus(PresenceStatusOnline)
	assert.Equal(t, notifications, 3)
}

func TestPresenceInboundMerge(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	resource := ResourceRef{ResourceId: "n1", ResourceType: "note"}

	// batched and single inbound updates funnel through the same merge.
	// unknown users are inserted without roster validation.
	presence.receive(&PresenceBatch{
		Updates: []*PresenceUpdate{
			{UserId: "u1", UserName: "A", Status: PresenceStatusOnline, Resource: &resource},
			{UserId: "u2", UserName: "B", Status: PresenceStatusOnline},
			{UserId: "u3", UserName: "C", Status: PresenceStatusOffline, Resource: &resource},
		},
	})
	presence.receive(&PresenceUpdate{UserId: "u4", Status: PresenceStatusBusy, Resource: &resource})

	all := presence.GetAllPresence()
	assert.Equal(t, len(all), 4)
	assert.Equal(t, all["u2"].Status, PresenceStatusOnline)

	// offline users are excluded from the resource view
	users := presence.GetUsersInResource(resource)
	assert.Equal(t, len(users), 2)

	// the local user is authoritative for itself; a remote echo is ignored
	presence.receive(&PresenceUpdate{UserId: "local", Status: PresenceStatusOffline})
	assert.Equal(t, presence.GetPresence("local"), nil)

	// defensive copies: mutating a snapshot does not corrupt manager state
	all["u2"].Status = PresenceStatusOffline
	assert.Equal(t, presence.GetPresence("u2").Status, PresenceStatusOnline)
}

func TestPresenceTypingMetadata(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	resource := ResourceRef{ResourceId: "n1", ResourceType: "note"}
	presence.receive(&Typing{UserId: "u1", Resource: resource, Typing: true})

	state := presence.GetPresence("u1")
	assert.NotEqual(t, state, nil)
	assert.Equal(t, state.Metadata["typing"], true)
}

func TestPresenceCollaborationInbound(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	resource := ResourceRef{ResourceId: "n1", ResourceType: "note"}
	presence.receive(&CollaborationPresence{UserId: "u1", UserName: "A", Resource: resource, Active: true})

	state := presence.GetPresence("u1")
	assert.NotEqual(t, state, nil)
	assert.Equal(t, *state.CurrentResource, resource)
	assert.Equal(t, state.Metadata["activity"], "editing")

	presence.receive(&CollaborationPresence{UserId: "u1", Resource: resource, Active: false})
	state = presence.GetPresence("u1")
	assert.Equal(t, state.CurrentResource, nil)
}

func TestActivityAwayTransition(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activity := NewActivityMonitor(ctx, presence, &ActivityMonitorSettings{
		AwayThreshold: 30 * time.Millisecond,
	})
	defer activity.Stop()

	assert.Equal(t, activity.Status(), PresenceStatusOnline)

	// no qualifying input beyond the threshold
	deadline := time.Now().Add(2 * time.Second)
	for activity.Status() != PresenceStatusAway && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, activity.Status(), PresenceStatusAway)
	assert.Equal(t, presence.GetPresence("local").Status, PresenceStatusAway)

	// any subsequent input returns to online immediately
	activity.RecordInput()
	assert.Equal(t, activity.Status(), PresenceStatusOnline)
	assert.Equal(t, presence.GetPresence("local").Status, PresenceStatusOnline)
}

func TestActivityVisibility(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activity := NewActivityMonitorWithDefaults(ctx, presence)
	defer activity.Stop()

	// visibility loss forces away immediately, independent of the timer
	activity.SetVisible(false)
	assert.Equal(t, activity.Status(), PresenceStatusAway)

	// input while hidden does not bring the user back
	activity.RecordInput()
	assert.Equal(t, activity.Status(), PresenceStatusAway)

	// visibility regain forces online
	activity.SetVisible(true)
	assert.Equal(t, activity.Status(), PresenceStatusOnline)
}

func TestActivityStopGoesOffline(t *testing.T) {
	presence, _, close := newTestPresenceManager(t, testPresenceSettings())
	defer close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activity := NewActivityMonitorWithDefaults(ctx, presence)
	activity.Stop()

	assert.Equal(t, presence.GetPresence("local").Status, PresenceStatusOffline)
}
