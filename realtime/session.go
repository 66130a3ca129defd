package realtime

import (
	"context"
)

type SessionSettings struct {
	Transport  *WsTransportSettings
	Connection *ConnectionManagerSettings
	Presence   *PresenceManagerSettings
	Edit       *EditSynchronizerSettings
	Activity   *ActivityMonitorSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Transport:  DefaultWsTransportSettings(),
		Connection: DefaultConnectionManagerSettings(),
		Presence:   DefaultPresenceManagerSettings(),
		Edit:       DefaultEditSynchronizerSettings(),
		Activity:   DefaultActivityMonitorSettings(),
	}
}

// one client session: explicitly constructed managers with a
// create -> connect -> close lifecycle. There is no process-global state;
// multiple sessions can coexist in one process.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	connection *ConnectionManager
	presence   *PresenceManager
	edits      *EditSynchronizer
	activity   *ActivityMonitor
}

func NewSessionWithDefaults(ctx context.Context, platformUrl string, auth *ClientAuth) *Session {
	return NewSession(ctx, platformUrl, auth, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	settings *SessionSettings,
) *Session {
	dial := NewWsDial(platformUrl, auth, settings.Transport)
	return NewSessionWithDial(ctx, dial, auth, settings)
}

// constructs a session over an injected transport dialer
func NewSessionWithDial(
	ctx context.Context,
	dial DialFunc,
	auth *ClientAuth,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	connection := NewConnectionManager(cancelCtx, auth, dial, settings.Connection)
	presence := NewPresenceManager(cancelCtx, connection, settings.Presence)
	edits := NewEditSynchronizer(cancelCtx, connection, presence, settings.Edit)
	activity := NewActivityMonitor(cancelCtx, presence, settings.Activity)

	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		connection: connection,
		presence:   presence,
		edits:      edits,
		activity:   activity,
	}
}

func (self *Session) Connect(ctx context.Context) error {
	return self.connection.Connect(ctx)
}

func (self *Session) Connection() *ConnectionManager {
	return self.connection
}

func (self *Session) Presence() *PresenceManager {
	return self.presence
}

func (self *Session) Edits() *EditSynchronizer {
	return self.edits
}

func (self *Session) Activity() *ActivityMonitor {
	return self.activity
}

func (self *Session) Close() {
	self.activity.Stop()
	// give the final offline update one flush opportunity before the
	// connection tears down
	self.connection.flush()
	self.edits.Close()
	self.presence.Close()
	self.connection.Close()
	self.cancel()
}
