package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/relayhq/realtime/realtime"
)

type HubSettings struct {
	AuthTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	SendBufferSize  int
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		AuthTimeout:     2 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     90 * time.Second,
		SendBufferSize:  64,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// relay server for the realtime core. Authenticates the first frame, echoes
// it back, joins the client to a channel, and rebroadcasts every subsequent
// frame to the channel's other members. The hub does not interpret frames
// beyond the auth handshake and keepalives; demultiplexing is the client's
// concern.
//
// this is the counterpart used by tests and local tooling, not the production
// backend.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	upgrader websocket.Upgrader

	channelsLock sync.Mutex
	channels     map[string]*channel
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		channels: map[string]*channel{},
	}
}

func (self *Hub) Close() {
	self.cancel()
}

func (self *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelId := r.URL.Query().Get("channel")
	if channelId == "" {
		channelId = "default"
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[h]upgrade error = %s\n", err)
		return
	}

	member, err := self.handshake(ws)
	if err != nil {
		glog.Infof("[h]auth error = %s\n", err)
		ws.Close()
		return
	}

	c := self.getOrCreateChannel(channelId)
	c.add(member)
	glog.V(1).Infof("[h]%s joined %s\n", member.userId, channelId)

	go member.writePump(self.settings)
	member.readPump(self.ctx, c, self.settings)
}

// the first frame must be an auth envelope; it is echoed back verbatim on
// success (the client verifies the echo bytes)
func (self *Hub) handshake(ws *websocket.Conn) (*member, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, authBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	envelopes, err := realtime.DecodeFrame(authBytes)
	if err != nil {
		return nil, err
	}
	if len(envelopes) != 1 {
		return nil, errBadAuth
	}
	message, err := realtime.FromEnvelope(envelopes[0])
	if err != nil {
		return nil, err
	}
	auth, ok := message.(*realtime.Auth)
	if !ok {
		return nil, errBadAuth
	}
	byJwt, err := realtime.ParseByJwtUnverified(auth.ByJwt)
	if err != nil {
		return nil, err
	}
	if byJwt.UserId == "" {
		return nil, errBadAuth
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}

	return &member{
		userId:   byJwt.UserId,
		userName: byJwt.UserName,
		ws:       ws,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}, nil
}

func (self *Hub) getOrCreateChannel(channelId string) *channel {
	self.channelsLock.Lock()
	defer self.channelsLock.Unlock()

	c, ok := self.channels[channelId]
	if !ok {
		c = &channel{
			channelId: channelId,
			members:   map[*member]bool{},
		}
		self.channels[channelId] = c
	}
	return c
}

var errBadAuth = &authError{}

type authError struct{}

func (self *authError) Error() string {
	return "bad auth frame"
}

type channel struct {
	channelId string

	membersLock sync.Mutex
	members     map[*member]bool
}

func (self *channel) add(m *member) {
	self.membersLock.Lock()
	defer self.membersLock.Unlock()
	self.members[m] = true
}

func (self *channel) remove(m *member) {
	self.membersLock.Lock()
	defer self.membersLock.Unlock()
	delete(self.members, m)
}

// relays one frame to every member except the sender. A member with a full
// send buffer has the frame dropped, not buffered unboundedly.
func (self *channel) broadcast(frame []byte, sender *member) {
	self.membersLock.Lock()
	defer self.membersLock.Unlock()

	for m := range self.members {
		if m == sender {
			continue
		}
		if !m.enqueue(frame) {
			glog.Infof("[h]drop to %s, send buffer full\n", m.userId)
		}
	}
}

type member struct {
	userId   string
	userName string

	ws   *websocket.Conn
	send chan []byte

	closeLock sync.Mutex
	closed    bool
}

func (self *member) close() {
	self.closeLock.Lock()
	defer self.closeLock.Unlock()
	if !self.closed {
		self.closed = true
		close(self.send)
	}
}

func (self *member) enqueue(frame []byte) bool {
	self.closeLock.Lock()
	defer self.closeLock.Unlock()
	if self.closed {
		return true
	}
	select {
	case self.send <- frame:
		return true
	default:
		return false
	}
}

func (self *member) writePump(settings *HubSettings) {
	defer self.ws.Close()

	for frame := range self.send {
		self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
		if frame == nil {
			frame = make([]byte, 0)
		}
		if err := self.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (self *member) readPump(ctx context.Context, c *channel, settings *HubSettings) {
	defer func() {
		c.remove(self)
		self.close()
		self.ws.Close()

		// best-effort departure notice for the channel
		offline := realtime.RequireToEnvelope(&realtime.PresenceUpdate{
			UserId:   self.userId,
			UserName: self.userName,
			Status:   realtime.PresenceStatusOffline,
		})
		if frame, err := realtime.EncodeFrame([]*realtime.Envelope{offline}); err == nil {
			c.broadcast(frame, self)
		}
		glog.V(1).Infof("[h]%s left %s\n", self.userId, c.channelId)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		_, frame, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(1).Infof("[h]%s<- error = %s\n", self.userId, err)
			}
			return
		}

		if len(frame) == 0 {
			// keepalive, echo back through the write pump
			self.enqueue(nil)
			continue
		}

		// frames must parse as a single envelope or a batch; anything else
		// is dropped without affecting the connection
		if _, err := realtime.DecodeFrame(frame); err != nil {
			glog.Infof("[h]drop malformed frame from %s = %s\n", self.userId, err)
			continue
		}

		c.broadcast(frame, self)
	}
}
