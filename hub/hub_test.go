package hub

import (
	"context"
	"flag"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/relayhq/realtime/realtime"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func testByJwt(userId string, userName string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   userId,
		"user_name": userName,
		"client_id": realtime.NewId().String(),
	})
	byJwt, err := token.SignedString([]byte("test"))
	if err != nil {
		panic(err)
	}
	return byJwt
}

func testSessionSettings() *realtime.SessionSettings {
	settings := realtime.DefaultSessionSettings()
	settings.Connection.BatchTimeout = 10 * time.Millisecond
	settings.Presence.PresenceUpdateInterval = 20 * time.Millisecond
	return settings
}

func testSession(ctx context.Context, wsUrl string, userId string, userName string) *realtime.Session {
	auth := &realtime.ClientAuth{
		ByJwt:      testByJwt(userId, userName),
		InstanceId: realtime.NewId(),
		AppVersion: "0.0.0-test",
	}
	return realtime.NewSession(ctx, wsUrl, auth, testSessionSettings())
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for !condition() {
		if !time.Now().Before(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHubWithDefaults(ctx)
	defer h.Close()

	server := httptest.NewServer(h)
	defer server.Close()
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http") + "/?channel=test"

	sessionA := testSession(ctx, wsUrl, "alice", "Alice")
	defer sessionA.Close()
	sessionB := testSession(ctx, wsUrl, "bob", "Bob")
	defer sessionB.Close()

	assert.Equal(t, sessionA.Connect(ctx), nil)
	assert.Equal(t, sessionB.Connect(ctx), nil)

	// presence propagates from a to b
	sessionA.Presence().SetStatus(realtime.PresenceStatusBusy)
	waitFor(t, 5*time.Second, func() bool {
		state := sessionB.Presence().GetPresence("alice")
		return state != nil && state.Status == realtime.PresenceStatusBusy
	})

	// an edit broadcast from a reaches b's subscriber
	edits := make(chan *realtime.CollaborationEdit, 8)
	unsubscribe := sessionB.Edits().OnEdit(func(edit *realtime.CollaborationEdit) {
		edits <- edit
	})
	defer unsubscribe()

	resource := realtime.ResourceRef{ResourceId: "n1", ResourceType: "note"}
	operations := sessionA.Edits().LocalChange(resource, "Hello", "Hello world", nil)
	assert.Equal(t, len(operations), 1)

	select {
	case edit := <-edits:
		assert.Equal(t, edit.UserId, "alice")
		assert.Equal(t, edit.Resource, resource)
		text := realtime.ApplyOperations("Hello", edit.Operations)
		assert.Equal(t, text, "Hello world")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for edit")
	}

	// the edit also marked alice as editing the resource, visible to b
	waitFor(t, 5*time.Second, func() bool {
		editors := sessionB.Edits().GetEditors(resource)
		for _, editor := range editors {
			if editor.UserId == "alice" {
				return true
			}
		}
		return false
	})

	// typing indicator
	sessionA.Presence().NotifyTyping(resource, true)
	waitFor(t, 5*time.Second, func() bool {
		state := sessionB.Presence().GetPresence("alice")
		return state != nil && state.Metadata["typing"] == true
	})
}

func TestHubDeparture(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHubWithDefaults(ctx)
	defer h.Close()

	server := httptest.NewServer(h)
	defer server.Close()
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http") + "/?channel=test"

	sessionA := testSession(ctx, wsUrl, "alice", "Alice")
	sessionB := testSession(ctx, wsUrl, "bob", "Bob")
	defer sessionB.Close()

	assert.Equal(t, sessionA.Connect(ctx), nil)
	assert.Equal(t, sessionB.Connect(ctx), nil)

	waitFor(t, 5*time.Second, func() bool {
		return sessionB.Presence().GetPresence("alice") != nil
	})

	// closing a flushes a best-effort offline; the hub also emits a
	// departure notice when the socket drops
	sessionA.Close()
	waitFor(t, 5*time.Second, func() bool {
		state := sessionB.Presence().GetPresence("alice")
		return state != nil && state.Status == realtime.PresenceStatusOffline
	})
}

func TestHubRejectsBadAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHubWithDefaults(ctx)
	defer h.Close()

	server := httptest.NewServer(h)
	defer server.Close()
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	auth := &realtime.ClientAuth{
		ByJwt:      "not a jwt",
		InstanceId: realtime.NewId(),
		AppVersion: "0.0.0-test",
	}
	dial := realtime.NewWsDial(wsUrl, auth, realtime.DefaultWsTransportSettings())
	_, err := dial(ctx)
	assert.NotEqual(t, err, nil)
}
