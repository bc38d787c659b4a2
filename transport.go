package toybox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const DefaultSendBufferSize = 32

type TransportSettings struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// websocket-level keepalive. a ping is written every PingInterval and the
	// connection is considered dead when no frame (pong included) arrives
	// within PongTimeout. distinct from the ddp-level ping/pong messages,
	// which the client answers itself.
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendBufferSize int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		DialTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   15 * time.Second,
		PongTimeout:    45 * time.Second,
		SendBufferSize: DefaultSendBufferSize,
	}
}

// ReceiveFunction is called with each inbound text frame, strictly in arrival
// order, from a single goroutine.
type ReceiveFunction func(frame []byte)

// ClosedFunction is called exactly once when the connection ends. err is nil
// for a locally requested close.
type ClosedFunction func(err error)

// Transport owns one websocket connection and the pair of pump goroutines
// that serialize reads and writes on it. One transport per connection
// attempt; reconnects are done with a fresh transport.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	receive  ReceiveFunction
	closed   ClosedFunction
	settings *TransportSettings

	send chan []byte

	stateLock sync.Mutex
	ws        *websocket.Conn

	closeOnce sync.Once
}

func NewTransportWithDefaults(
	ctx context.Context,
	url string,
	receive ReceiveFunction,
	closed ClosedFunction,
) *Transport {
	return NewTransport(ctx, url, receive, closed, DefaultTransportSettings())
}

func NewTransport(
	ctx context.Context,
	url string,
	receive ReceiveFunction,
	closed ClosedFunction,
	settings *TransportSettings,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		receive:  receive,
		closed:   closed,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
	}
}

// Connect dials the websocket and starts the pumps. Returns a
// *ConnectionError on network/TLS failure.
func (self *Transport) Connect(ctx context.Context) error {
	select {
	case <-self.ctx.Done():
		return &ConnectionError{Err: self.ctx.Err()}
	default:
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.DialTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
		return nil
	})

	self.stateLock.Lock()
	self.ws = ws
	self.stateLock.Unlock()

	go self.writePump(ws)
	go self.readPump(ws)

	glog.V(1).Infof("[t]connected %s\n", self.url)
	return nil
}

// Send enqueues one ddp message as a text frame. It does not wait for the
// frame to hit the wire.
func (self *Transport) Send(message *Message) error {
	frame, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case self.send <- frame:
		return nil
	case <-self.ctx.Done():
		return &ConnectionLostError{}
	}
}

func (self *Transport) writePump(ws *websocket.Conn) {
	pinger := time.NewTicker(self.settings.PingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				// a websocket write deadline cannot be recovered
				glog.Infof("[t]send error = %s\n", err)
				self.close(err)
				return
			}
			glog.V(2).Infof("[t]-> %s\n", string(frame))
		case <-pinger.C:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				self.close(err)
				return
			}
			glog.V(2).Infof("[t]ping ->\n")
		}
	}
}

func (self *Transport) readPump(ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			// a missed pong surfaces here as a read deadline error
			self.close(err)
			return
		}
		glog.V(2).Infof("[t]<- %s\n", string(frame))
		self.receive(frame)
	}
}

// Close tears the connection down. Idempotent.
func (self *Transport) Close() {
	self.close(nil)
}

func (self *Transport) close(err error) {
	self.closeOnce.Do(func() {
		self.cancel()

		self.stateLock.Lock()
		ws := self.ws
		self.ws = nil
		self.stateLock.Unlock()

		if ws != nil {
			ws.Close()
		}
		if self.closed != nil {
			self.closed(err)
		}
	})
}
