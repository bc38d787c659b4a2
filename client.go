package toybox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
)

// the make.toys platform serves raw ddp on this endpoint
const DefaultDdpUrl = "wss://www.make.toys/websocket"

// publications and methods discovered from the make.toys web app
// (PrinterContext.tsx)
const (
	SubMultiPrinterData = "multi_printer_data"
	SubPrinterRequests  = "user_printer_requests_all_printers"

	MethodLogin            = "login"
	MethodGetPrintRequests = "getPrintRequestsByIds"
)

type ConnectionState string

const (
	StateDisconnected   ConnectionState = "disconnected"
	StateConnecting     ConnectionState = "connecting"
	StateConnected      ConnectionState = "connected"
	StateAuthenticating ConnectionState = "authenticating"
	StateAuthenticated  ConnectionState = "authenticated"
)

type ClientSettings struct {
	Url string
	// handshake deadline for connect + ddp version negotiation
	ConnectTimeout time.Duration
	// default deadline for method calls and subscriptions when the caller's
	// ctx has none
	CallTimeout       time.Duration
	TransportSettings *TransportSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Url:               DefaultDdpUrl,
		ConnectTimeout:    10 * time.Second,
		CallTimeout:       30 * time.Second,
		TransportSettings: DefaultTransportSettings(),
	}
}

// request ids are time-ordered so concurrent calls from the same client can
// be ordered server-side
func newRequestId() string {
	return ulid.Make().String()
}

type pendingResult struct {
	result any
	err    error
}

// pendingCall is one in-flight method or sub awaiting its response. Removed
// from the pending map before it is resolved, so it resolves at most once.
type pendingCall struct {
	id     string
	name   string
	result chan pendingResult
}

func newPendingCall(name string) *pendingCall {
	return &pendingCall{
		id:     newRequestId(),
		name:   name,
		result: make(chan pendingResult, 1),
	}
}

func (self *pendingCall) resolve(result any, err error) {
	self.result <- pendingResult{
		result: result,
		err:    err,
	}
}

// Subscription is the caller's handle on one server publication. Stale flips
// to true when the transport drops; the caller must re-subscribe after a
// reconnect, nothing happens automatically.
type Subscription struct {
	Id     string
	Name   string
	Params []any
	Stale  bool
}

// Client is one ddp session against the make.toys backend: connection state
// machine, login, subscriptions, correlated method calls and the local
// collection mirror. All inbound processing happens on the transport's single
// read goroutine, so store mutations are never interleaved.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	store *Store

	stateLock     sync.Mutex
	state         ConnectionState
	transport     *Transport
	handshake     chan error
	sessionId     string
	loginToken    string
	tokenExpires  time.Time
	userId        string
	pending       map[string]*pendingCall
	subscriptions map[string]*Subscription
}

func NewClientWithDefaults(ctx context.Context) *Client {
	return NewClient(ctx, DefaultClientSettings())
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		store:         NewStore(),
		state:         StateDisconnected,
		pending:       map[string]*pendingCall{},
		subscriptions: map[string]*Subscription{},
	}
}

func (self *Client) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// SessionId is the server-assigned ddp session id, empty when disconnected.
func (self *Client) SessionId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionId
}

func (self *Client) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

// LoginToken is the resume token from the last successful login, with its
// server-side expiry when the server sent one.
func (self *Client) LoginToken() (string, time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loginToken, self.tokenExpires
}

func (self *Client) Store() *Store {
	return self.store
}

// Subscriptions returns the current handles, stale ones included.
func (self *Client) Subscriptions() []*Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.subscriptions)
}

// Connect dials the websocket and runs the ddp version handshake. On return
// the session id is set and subscriptions can be issued. Fails with
// *ConnectionError on transport failure and *HandshakeError when the server
// rejects the protocol version.
func (self *Client) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	if self.state != StateDisconnected {
		state := self.state
		self.stateLock.Unlock()
		return fmt.Errorf("connect from state %q", state)
	}
	self.state = StateConnecting
	handshake := make(chan error, 1)
	self.handshake = handshake
	transport := NewTransport(
		self.ctx,
		self.settings.Url,
		self.handleFrame,
		self.handleTransportClosed,
		self.settings.TransportSettings,
	)
	self.transport = transport
	self.stateLock.Unlock()

	// a fresh connection starts from an empty mirror
	self.store.Clear()

	connectCtx, connectCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer connectCancel()

	fail := func(err error) error {
		transport.Close()
		self.stateLock.Lock()
		if self.transport == transport {
			self.transport = nil
			self.handshake = nil
			self.state = StateDisconnected
		}
		self.stateLock.Unlock()
		return err
	}

	if err := transport.Connect(connectCtx); err != nil {
		return fail(err)
	}
	if err := transport.Send(connectMessage()); err != nil {
		return fail(&ConnectionError{Err: err})
	}

	select {
	case err := <-handshake:
		if err != nil {
			return fail(err)
		}
		return nil
	case <-connectCtx.Done():
		return fail(&ConnectionError{Err: connectCtx.Err()})
	case <-self.ctx.Done():
		return fail(&ConnectionLostError{})
	}
}

// Authenticate logs in via the Meteor accounts-password method. The password
// is never sent raw: the server expects a sha-256 digest. An email without an
// "@" is treated as a username, which the live service also accepts.
func (self *Client) Authenticate(ctx context.Context, email string, password string) error {
	self.stateLock.Lock()
	transport := self.transport
	switch self.state {
	case StateConnected, StateAuthenticated:
		self.state = StateAuthenticating
	default:
		state := self.state
		self.stateLock.Unlock()
		return &AuthenticationError{Reason: fmt.Sprintf("cannot authenticate from state %q", state)}
	}
	self.stateLock.Unlock()

	user := map[string]any{}
	if strings.Contains(email, "@") {
		user["email"] = email
	} else {
		user["username"] = email
	}
	params := []any{
		map[string]any{
			"user":     user,
			"password": passwordDigest(password),
		},
	}

	call := self.register(MethodLogin)
	if err := transport.Send(methodMessage(call.id, MethodLogin, params)); err != nil {
		self.abandon(call)
		self.revertAuthenticating()
		return err
	}

	result, err := self.await(ctx, call)
	if err != nil {
		self.revertAuthenticating()
		var apiErr *ApiError
		if errors.As(err, &apiErr) {
			return &AuthenticationError{Reason: apiErr.Detail.String()}
		}
		return err
	}

	payload, ok := result.(map[string]any)
	if !ok {
		self.revertAuthenticating()
		return &AuthenticationError{Reason: "unexpected login response"}
	}

	self.stateLock.Lock()
	self.loginToken = documentString(payload, "token")
	self.userId = documentString(payload, "id")
	self.tokenExpires, _ = parseTime(payload["tokenExpires"])
	if self.state == StateAuthenticating {
		self.state = StateAuthenticated
	}
	userId := self.userId
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]authenticated user %s\n", userId)
	return nil
}

func (self *Client) revertAuthenticating() {
	self.stateLock.Lock()
	if self.state == StateAuthenticating {
		self.state = StateConnected
	}
	self.stateLock.Unlock()
}

// Subscribe issues a sub and waits for the server's ready. Fails with
// *SubscriptionError when the server refuses with an error-tagged nosub.
func (self *Client) Subscribe(ctx context.Context, name string, params []any) (*Subscription, error) {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport == nil {
		return nil, &ConnectionLostError{}
	}

	call := self.register(name)
	if err := transport.Send(subMessage(call.id, name, params)); err != nil {
		self.abandon(call)
		return nil, err
	}
	if _, err := self.await(ctx, call); err != nil {
		return nil, err
	}

	subscription := &Subscription{
		Id:     call.id,
		Name:   name,
		Params: params,
	}
	self.stateLock.Lock()
	self.subscriptions[subscription.Id] = subscription
	self.stateLock.Unlock()
	return subscription, nil
}

// Unsubscribe sends unsub and cleans up locally. Fire-and-forget: the
// server's nosub acknowledgment is not waited for.
func (self *Client) Unsubscribe(subscription *Subscription) {
	self.stateLock.Lock()
	delete(self.subscriptions, subscription.Id)
	transport := self.transport
	self.stateLock.Unlock()

	if transport != nil {
		if err := transport.Send(unsubMessage(subscription.Id)); err != nil {
			glog.V(1).Infof("[c]unsub %s send error = %s\n", subscription.Id, err)
		}
	}
}

// CallMethod invokes one server method and waits for the correlated result.
func (self *Client) CallMethod(ctx context.Context, method string, params []any) (any, error) {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport == nil {
		return nil, &ConnectionLostError{}
	}

	call := self.register(method)
	if err := transport.Send(methodMessage(call.id, method, params)); err != nil {
		self.abandon(call)
		return nil, err
	}
	return self.await(ctx, call)
}

// SubscribeToPrinterData subscribes to the printer-state and print-request
// publications for the given printers, mirroring what the make.toys web app
// does. Returns once both subscriptions are ready, so the collections are
// populated when this returns.
func (self *Client) SubscribeToPrinterData(ctx context.Context, printerIds []string) error {
	printerRefs := make([]any, len(printerIds))
	for i, printerId := range printerIds {
		printerRefs[i] = map[string]any{"id": printerId}
	}
	if _, err := self.Subscribe(ctx, SubMultiPrinterData, []any{printerRefs}); err != nil {
		return err
	}
	if _, err := self.Subscribe(ctx, SubPrinterRequests, []any{printerRefs}); err != nil {
		return err
	}
	return nil
}

// Close tears the session down: pending calls fail with
// *ConnectionLostError, the transport closes and all collections are
// cleared. Idempotent.
func (self *Client) Close() {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()

	if transport != nil {
		// drives handleTransportClosed, which fails the pendings
		transport.Close()
	}
	self.cancel()
	self.store.Clear()
}

func (self *Client) register(name string) *pendingCall {
	call := newPendingCall(name)
	self.stateLock.Lock()
	self.pending[call.id] = call
	self.stateLock.Unlock()
	return call
}

// take removes and returns the pending call for id, nil when the id is
// unknown (already resolved, abandoned, or a server anomaly).
func (self *Client) take(id string) *pendingCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	call, ok := self.pending[id]
	if !ok {
		return nil
	}
	delete(self.pending, id)
	return call
}

func (self *Client) abandon(call *pendingCall) {
	self.stateLock.Lock()
	delete(self.pending, call.id)
	self.stateLock.Unlock()
}

// await blocks until the call resolves, its deadline passes, or the client
// closes. A call that times out is abandoned locally; a late response for it
// is dropped as an unmatched id.
func (self *Client) await(ctx context.Context, call *pendingCall) (any, error) {
	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var callCancel context.CancelFunc
		callCtx, callCancel = context.WithTimeout(ctx, self.settings.CallTimeout)
		defer callCancel()
	}

	select {
	case result := <-call.result:
		return result.result, result.err
	case <-callCtx.Done():
		self.abandon(call)
		return nil, fmt.Errorf("call %q (%s) timed out: %w", call.name, call.id, callCtx.Err())
	case <-self.ctx.Done():
		self.abandon(call)
		return nil, &ConnectionLostError{}
	}
}

// handleFrame classifies one inbound frame and dispatches on the msg
// discriminator. Runs on the transport's read goroutine; collection
// mutations reach the store strictly in arrival order.
func (self *Client) handleFrame(frame []byte) {
	message, err := parseMessage(frame)
	if err != nil {
		glog.V(1).Infof("[c]drop frame = %s\n", err)
		return
	}

	switch message.Msg {
	case MessageConnected:
		self.stateLock.Lock()
		self.sessionId = message.Session
		if self.state == StateConnecting {
			self.state = StateConnected
		}
		handshake := self.handshake
		self.handshake = nil
		self.stateLock.Unlock()
		glog.V(1).Infof("[c]session %s\n", message.Session)
		if handshake != nil {
			handshake <- nil
		}

	case MessageFailed:
		self.stateLock.Lock()
		handshake := self.handshake
		self.handshake = nil
		self.stateLock.Unlock()
		if handshake != nil {
			handshake <- &HandshakeError{Version: message.Version}
		}

	case MessagePing:
		// ddp-level liveness, answered immediately with an id echo
		self.stateLock.Lock()
		transport := self.transport
		self.stateLock.Unlock()
		if transport != nil {
			if err := transport.Send(pongMessage(message.Id)); err != nil {
				glog.V(1).Infof("[c]pong send error = %s\n", err)
			}
		}

	case MessagePong:
		// ddp pong to a ping this client never sends; nothing to correlate

	case MessageAdded, MessageChanged, MessageRemoved:
		self.store.Apply(message)

	case MessageReady:
		for _, subId := range message.Subs {
			if call := self.take(subId); call != nil {
				call.resolve(nil, nil)
			} else {
				glog.V(2).Infof("[c]ready for unknown sub %s\n", subId)
			}
		}

	case MessageNosub:
		self.stateLock.Lock()
		delete(self.subscriptions, message.Id)
		self.stateLock.Unlock()
		if call := self.take(message.Id); call != nil {
			if message.Error != nil {
				call.resolve(nil, &SubscriptionError{Name: call.name, Detail: message.Error})
			} else {
				call.resolve(nil, nil)
			}
		} else if message.Error != nil {
			glog.Infof("[c]nosub %s = %s\n", message.Id, message.Error)
		}

	case MessageResult:
		call := self.take(message.Id)
		if call == nil {
			glog.Infof("[c]drop result for unknown id %s\n", message.Id)
			return
		}
		if message.Error != nil {
			call.resolve(nil, &ApiError{Method: call.name, Detail: message.Error})
		} else {
			call.resolve(message.Result, nil)
		}

	case MessageUpdated:
		// the server's writes for these methods have quiesced; nothing to do
		glog.V(2).Infof("[c]updated %v\n", message.Methods)

	case MessageError:
		glog.Infof("[c]server error = %s\n", message.Reason)
	}
}

// handleTransportClosed resets the session when the transport ends for any
// reason. Authentication does not survive a reconnect; subscriptions go
// stale and must be re-issued by the caller.
func (self *Client) handleTransportClosed(err error) {
	self.stateLock.Lock()
	if self.transport == nil {
		self.stateLock.Unlock()
		return
	}
	self.transport = nil
	self.state = StateDisconnected
	self.sessionId = ""
	self.loginToken = ""
	self.tokenExpires = time.Time{}
	self.userId = ""
	handshake := self.handshake
	self.handshake = nil
	calls := maps.Values(self.pending)
	self.pending = map[string]*pendingCall{}
	for _, subscription := range self.subscriptions {
		subscription.Stale = true
	}
	self.stateLock.Unlock()

	if handshake != nil {
		handshake <- &ConnectionLostError{}
	}
	for _, call := range calls {
		call.resolve(nil, &ConnectionLostError{})
	}
	self.store.Clear()

	if err != nil {
		glog.Infof("[c]connection lost = %s\n", err)
	} else {
		glog.V(1).Infof("[c]disconnected\n")
	}
}

// Meteor's accounts-password never accepts a raw password over the wire
func passwordDigest(password string) map[string]any {
	digest := sha256.Sum256([]byte(password))
	return map[string]any{
		"digest":    hex.EncodeToString(digest[:]),
		"algorithm": "sha-256",
	}
}
