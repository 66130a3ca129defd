package realtime

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// a duplex, message-framed byte channel to the server. Opaque beyond
// connect/send/receive/close; the connection manager layers lifecycle,
// heartbeat and batching on top.
type Transport interface {
	// blocks until a message arrives or the transport fails.
	// an empty message is a keepalive and carries no payload.
	ReadMessage() ([]byte, error)
	WriteMessage(message []byte) error
	Close()
}

// (ctx) -> established transport
type DialFunc func(ctx context.Context) (Transport, error)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
	}
}

// dials the platform url and performs the auth handshake:
// the first frame is the auth envelope, which the server echoes back verbatim
func NewWsDial(platformUrl string, auth *ClientAuth, settings *WsTransportSettings) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		authEnvelope, err := ToEnvelope(&Auth{
			ByJwt:      auth.ByJwt,
			InstanceId: auth.InstanceId,
			AppVersion: auth.AppVersion,
		})
		if err != nil {
			return nil, err
		}
		authBytes, err := EncodeFrame([]*Envelope{authEnvelope})
		if err != nil {
			return nil, err
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, platformUrl, nil)
		if err != nil {
			return nil, err
		}

		success := false
		defer func() {
			if !success {
				ws.Close()
			}
		}()

		ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
		if _, message, err := ws.ReadMessage(); err != nil {
			return nil, err
		} else if !bytes.Equal(authBytes, message) {
			// verify the auth echo
			return nil, fmt.Errorf("auth response error: bad bytes")
		}

		success = true
		return &wsTransport{
			ws:       ws,
			settings: settings,
		}, nil
	}
}

type wsTransport struct {
	ws       *websocket.Conn
	settings *WsTransportSettings
}

func (self *wsTransport) ReadMessage() ([]byte, error) {
	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		default:
			glog.V(2).Infof("[tr]other=%d\n", messageType)
		}
	}
}

func (self *wsTransport) WriteMessage(message []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if message == nil {
		message = make([]byte, 0)
	}
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *wsTransport) Close() {
	self.ws.Close()
}

// in-memory loopback transport. Each end is a Transport; a write to one end is
// read from the other. Used by tests and local tooling.
type PipeTransport struct {
	read  chan []byte
	write chan []byte
	done  chan struct{}
	once  *sync.Once
}

func NewPipeTransport() (*PipeTransport, *PipeTransport) {
	a := make(chan []byte, 32)
	b := make(chan []byte, 32)
	done := make(chan struct{})
	once := &sync.Once{}
	left := &PipeTransport{read: a, write: b, done: done, once: once}
	right := &PipeTransport{read: b, write: a, done: done, once: once}
	return left, right
}

func (self *PipeTransport) ReadMessage() ([]byte, error) {
	select {
	case <-self.done:
		return nil, ErrClosed
	case message := <-self.read:
		return message, nil
	}
}

func (self *PipeTransport) WriteMessage(message []byte) error {
	select {
	case <-self.done:
		return ErrClosed
	case self.write <- message:
		return nil
	}
}

func (self *PipeTransport) Close() {
	self.once.Do(func() {
		close(self.done)
	})
}
