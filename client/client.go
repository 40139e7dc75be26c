// Package client implements the client-side runtime: connect handshake,
// one-way send, send-with-reply, and a serial callback queue for
// messages the server pushes unsolicited (broadcasts, in particular).
package client

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/capfabric/capfabric/ackreg"
	"github.com/capfabric/capfabric/bootstrap"
	"github.com/capfabric/capfabric/internal/clock"
	"github.com/capfabric/capfabric/internal/worker"
	"github.com/capfabric/capfabric/msgid"
	"github.com/capfabric/capfabric/restrack"
	"github.com/capfabric/capfabric/shmem"
	"github.com/capfabric/capfabric/status"
	"github.com/capfabric/capfabric/wire"
)

// State is the client runtime's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MessageHandler processes an unsolicited message (not an ack) pushed by
// the server, such as a broadcast. It returns the bytes and status to
// ack with if the message carried WACK, ignored otherwise. capFD is the
// message's capability fd (msgid.Share set) or -1. If capFD >= 0 the
// handler owns it: map it with shmem.Map or close it with
// wire.ReleaseUserFD.
type MessageHandler func(msgType uint8, payload []byte, capFD int) ([]byte, status.Code)

// Config holds the tunables a client is created with.
type Config struct {
	AckPoolSize    int
	ConnectTimeout time.Duration
	OnConnected    func()
	OnDisconnected func()
	OnMessage      MessageHandler
}

// DefaultConfig returns sane defaults for the ack pool size and connect timeout.
func DefaultConfig() Config {
	return Config{
		AckPoolSize:    64,
		ConnectTimeout: 2 * time.Second,
	}
}

// Client is one connection to a capfabric server.
type Client struct {
	worker.Worker

	cfg Config
	log *log.Logger

	acks    *ackreg.Registry
	tracker *restrack.Tracker
	queue   *channels.InfiniteChannel

	mu         sync.Mutex
	state      State
	port       *wire.Port
	serverAddr string
	clientID   uint32
	clientSlot int32
	death      *wire.DeathWatcher
}

// New creates a client runtime in the created state. Nothing is
// connected yet; call Connect.
func New(cfg Config) *Client {
	c := &Client{
		cfg:     cfg,
		log:     log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "capfabric/client"}),
		acks:    ackreg.New(cfg.AckPoolSize),
		tracker: restrack.New(nil),
		queue:   channels.NewInfiniteChannel(),
		state:   StateCreated,
	}
	return c
}

// Connect performs the bootstrap lookup and CONNECT handshake against
// serviceName, adopting the server-assigned client id and slot on
// success.
func (c *Client) Connect(serviceName string) error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return fmt.Errorf("client: connect called in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	serverAddr, err := bootstrap.Lookup(serviceName)
	if err != nil {
		c.resetToCreated()
		return fmt.Errorf("client: bootstrap lookup: %w", err)
	}

	localPort, err := wire.Dial("")
	if err != nil {
		c.resetToCreated()
		return fmt.Errorf("client: open local port: %w", err)
	}
	c.tracker.Add(restrack.KindPort, "client-local-port", func() error { return localPort.Close() })

	c.mu.Lock()
	c.port = localPort
	c.mu.Unlock()
	c.Go(c.receiveLoop)

	cid := c.acks.NextCorrelationID()
	waiter, err := c.acks.Register(cid)
	if err != nil {
		c.tracker.CleanupAll()
		c.resetToCreated()
		return fmt.Errorf("client: register connect waiter: %w", err)
	}

	header := wire.Header{
		MsgID:         msgid.MakeInternal(uint8(msgid.TypeConnect)).Set(msgid.Wack),
		CorrelationID: cid,
	}
	if err := localPort.Send(serverAddr, header, []byte(localPort.LocalName()), -1); err != nil {
		c.acks.Release(waiter)
		c.tracker.CleanupAll()
		c.resetToCreated()
		return fmt.Errorf("client: send connect: %w", err)
	}

	deadline := clock.CalcDeadline(uint64(c.cfg.ConnectTimeout.Milliseconds()))
	reply, ok := c.acks.Await(waiter, deadline)
	c.acks.Release(waiter)
	if !ok {
		c.tracker.CleanupAll()
		c.resetToCreated()
		return fmt.Errorf("client: connect handshake: %w", status.Timeout)
	}
	if status.Code(reply.Header.Status) != status.Success || reply.Header.ClientID == 0 {
		c.tracker.CleanupAll()
		c.resetToCreated()
		return fmt.Errorf("client: connect rejected: %w", status.Code(reply.Header.Status))
	}

	c.mu.Lock()
	c.port = localPort
	c.serverAddr = serverAddr
	c.clientID = reply.Header.ClientID
	c.clientSlot = reply.Header.ClientSlot
	c.state = StateConnected
	c.mu.Unlock()

	c.death = wire.WatchDeath(serverAddr, c.handleServerDeath)
	c.Go(c.dispatchLoop)

	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
	return nil
}

func (c *Client) resetToCreated() {
	c.mu.Lock()
	c.state = StateCreated
	c.port = nil
	c.mu.Unlock()
}

// Send is a fire-and-forget send of a user message; no reply is awaited.
func (c *Client) Send(msgType uint8, payload []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("client: send: %w", status.NotConnected)
	}
	port, dest, clientID, clientSlot := c.port, c.serverAddr, c.clientID, c.clientSlot
	c.mu.Unlock()

	header := wire.Header{MsgID: msgid.MakeUser(msgType), ClientID: clientID, ClientSlot: clientSlot}
	if err := port.Send(dest, header, payload, -1); err != nil {
		return fmt.Errorf("client: send: %w", status.SendFailed)
	}
	return nil
}

// SendWithReply sends a user message expecting an ack and blocks up to
// timeout for the reply.
func (c *Client) SendWithReply(msgType uint8, payload []byte, timeout time.Duration) ([]byte, status.Code, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, status.NotConnected, fmt.Errorf("client: send_with_reply: %w", status.NotConnected)
	}
	port, dest, clientID, clientSlot := c.port, c.serverAddr, c.clientID, c.clientSlot
	c.mu.Unlock()

	cid := c.acks.NextCorrelationID()
	waiter, err := c.acks.Register(cid)
	if err != nil {
		return nil, status.Internal, fmt.Errorf("client: register waiter: %w", err)
	}

	deadline := clock.CalcDeadline(uint64(timeout.Milliseconds()))
	header := wire.Header{
		MsgID:         msgid.MakeUser(msgType).Set(msgid.Wack),
		ClientID:      clientID,
		ClientSlot:    clientSlot,
		CorrelationID: cid,
		Deadline:      deadline,
	}
	if err := port.Send(dest, header, payload, -1); err != nil {
		c.acks.Release(waiter)
		return nil, status.SendFailed, fmt.Errorf("client: send_with_reply: %w", status.SendFailed)
	}

	reply, ok := c.acks.Await(waiter, deadline)
	c.acks.Release(waiter)
	if !ok {
		return nil, status.Timeout, fmt.Errorf("client: send_with_reply: %w", status.Timeout)
	}
	return reply.UserPayload, status.Code(reply.Header.Status), nil
}

// SendWithCapability is a fire-and-forget send, like Send, that also
// transfers cap to the server. See shmem.Transfer for copy-vs-move
// semantics.
func (c *Client) SendWithCapability(cap *shmem.Handle, msgType uint8, payload []byte, transfer shmem.Transfer) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("client: send_with_capability: %w", status.NotConnected)
	}
	port, dest, clientID, clientSlot := c.port, c.serverAddr, c.clientID, c.clientSlot
	c.mu.Unlock()

	header := wire.Header{MsgID: msgid.MakeUser(msgType), ClientID: clientID, ClientSlot: clientSlot}
	if err := cap.Send(port, dest, header, payload, transfer); err != nil {
		return fmt.Errorf("client: send_with_capability: %w", status.SendFailed)
	}
	return nil
}

// SendWithCapabilityAndReply is SendWithCapability combined with
// SendWithReply: it transfers cap alongside the message and blocks up
// to timeout for the ack.
func (c *Client) SendWithCapabilityAndReply(cap *shmem.Handle, msgType uint8, payload []byte, transfer shmem.Transfer, timeout time.Duration) ([]byte, status.Code, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, status.NotConnected, fmt.Errorf("client: send_with_capability_and_reply: %w", status.NotConnected)
	}
	port, dest, clientID, clientSlot := c.port, c.serverAddr, c.clientID, c.clientSlot
	c.mu.Unlock()

	cid := c.acks.NextCorrelationID()
	waiter, err := c.acks.Register(cid)
	if err != nil {
		return nil, status.Internal, fmt.Errorf("client: register waiter: %w", err)
	}

	deadline := clock.CalcDeadline(uint64(timeout.Milliseconds()))
	header := wire.Header{
		MsgID:         msgid.MakeUser(msgType).Set(msgid.Wack),
		ClientID:      clientID,
		ClientSlot:    clientSlot,
		CorrelationID: cid,
		Deadline:      deadline,
	}
	if err := cap.Send(port, dest, header, payload, transfer); err != nil {
		c.acks.Release(waiter)
		return nil, status.SendFailed, fmt.Errorf("client: send_with_capability_and_reply: %w", status.SendFailed)
	}

	reply, ok := c.acks.Await(waiter, deadline)
	c.acks.Release(waiter)
	if !ok {
		return nil, status.Timeout, fmt.Errorf("client: send_with_capability_and_reply: %w", status.Timeout)
	}
	return reply.UserPayload, status.Code(reply.Header.Status), nil
}

func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}

		c.mu.Lock()
		port, state := c.port, c.state
		c.mu.Unlock()
		if port == nil || state == StateDisconnecting {
			return
		}

		frame, ok, err := port.Receive()
		if err != nil {
			c.log.Error("receive failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		if frame.Header.MsgID.Has(msgid.Iack) {
			if !c.acks.HandleAck(frame.Header.CorrelationID, frame.Header, frame.UserPayload, frame.UserFD) {
				if err := wire.ReleaseUserFD(frame.UserFD); err != nil {
					c.log.Error("failed to release unclaimed capability fd", "error", err)
				}
			}
			continue
		}

		if c.cfg.OnMessage == nil {
			if err := wire.ReleaseUserFD(frame.UserFD); err != nil {
				c.log.Error("failed to release undelivered capability fd", "error", err)
			}
			continue
		}
		c.queue.In() <- frame
	}
}

func (c *Client) dispatchLoop() {
	out := c.queue.Out()
	for {
		select {
		case <-c.HaltCh():
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			frame := v.(wire.Frame)
			if c.cfg.OnMessage == nil {
				continue
			}
			replyBytes, code := c.cfg.OnMessage(frame.Header.MsgID.TypeOf(), frame.UserPayload, frame.UserFD)
			if frame.Header.MsgID.Has(msgid.Wack) {
				c.sendAck(frame.Header, replyBytes, code)
			}
		}
	}
}

func (c *Client) sendAck(reqHeader wire.Header, replyBytes []byte, code status.Code) {
	c.mu.Lock()
	port, dest := c.port, c.serverAddr
	c.mu.Unlock()
	if port == nil {
		return
	}
	ackHeader := wire.Header{
		MsgID:         reqHeader.MsgID.Clear(msgid.Wack).Set(msgid.Iack),
		CorrelationID: reqHeader.CorrelationID,
		Status:        int32(code),
	}
	if err := port.Send(dest, ackHeader, replyBytes, -1); err != nil {
		c.log.Error("failed to send ack", "error", err)
	}
}

func (c *Client) handleServerDeath() {
	c.mu.Lock()
	c.state = StateDisconnecting
	c.mu.Unlock()
	if c.cfg.OnDisconnected != nil {
		c.cfg.OnDisconnected()
	}
}

// Disconnect stops the receiver and marks the client no longer connected,
// invoking OnDisconnected. The receive goroutine exits at its next poll;
// the dispatch goroutine runs until Destroy.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	if c.death != nil {
		c.death.Stop()
	}
	if c.cfg.OnDisconnected != nil {
		c.cfg.OnDisconnected()
	}
}

// Destroy joins the receiver, drains the callback queue, and releases
// every tracked resource. The client is unusable afterward.
func (c *Client) Destroy() {
	c.Halt()
	c.queue.Close()
	c.tracker.CleanupAll()

	c.mu.Lock()
	c.state = StateDestroyed
	c.mu.Unlock()
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id assigned by the server on a successful
// connect, or 0 if never connected.
func (c *Client) ClientID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}
