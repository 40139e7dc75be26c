// Package server implements the server-side runtime: the connect
// handshake, per-client table with serial dispatch queues, broadcast,
// and death-notification handling.
package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	channels "gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/capfabric/capfabric/ackreg"
	"github.com/capfabric/capfabric/bootstrap"
	"github.com/capfabric/capfabric/internal/clock"
	"github.com/capfabric/capfabric/internal/worker"
	"github.com/capfabric/capfabric/msgid"
	"github.com/capfabric/capfabric/slotpool"
	"github.com/capfabric/capfabric/status"
	"github.com/capfabric/capfabric/wire"
)

var log = logging.MustGetLogger("capfabric/server")

// ClientState is the server's view of one client record's lifecycle.
type ClientState int32

const (
	ClientCreated ClientState = iota
	ClientRegistered
	ClientInactive
	ClientFreed
)

// Handler reacts to a user message addressed to clientID, returning the
// reply bytes and status for reply-bearing messages; both are ignored
// for fire-and-forget messages. capFD is the message's capability fd
// (msgid.Share set) or -1. If capFD >= 0 the handler owns it: map it
// with shmem.Map or close it with wire.ReleaseUserFD.
type Handler func(clientID uint32, msgType uint8, payload []byte, capFD int) ([]byte, status.Code)

// Config holds the tunables a server is created with.
type Config struct {
	ServiceName          string
	MaxClients           int
	AckPoolSize          int
	OnClientConnected    func(clientID uint32)
	OnClientDisconnected func(clientID uint32)
	Handler              Handler
}

// DefaultConfig returns a reasonable default client-table size.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		MaxClients:  100,
		AckPoolSize: 256,
	}
}

type clientRecord struct {
	worker.Worker
	id      uint32
	slot    int32
	addr    string
	state   ClientState
	queue   *channels.InfiniteChannel
	death   *wire.DeathWatcher
}

// Server is one capfabric service endpoint.
type Server struct {
	cfg  Config
	port *wire.Port
	acks *ackreg.Registry

	clients   *slotpool.Indexed[*clientRecord]
	nextID    uint32
	running   int32
	clientsMu sync.Mutex // guards nextID only; clients itself self-synchronizes
	metrics   *metrics
}

// New checks in the service name and allocates the per-client table. The
// server does not start serving until Run is called.
func New(cfg Config) (*Server, error) {
	port, err := bootstrap.CheckIn(cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("server: check in %q: %w", cfg.ServiceName, err)
	}
	acks := ackreg.New(cfg.AckPoolSize)
	return &Server{
		cfg:     cfg,
		port:    port,
		acks:    acks,
		clients: slotpool.NewIndexed[*clientRecord](cfg.MaxClients),
		metrics: newMetrics(cfg.ServiceName, acks),
	}, nil
}

// Run executes the receive loop in the calling goroutine until Stop
// clears the running flag.
func (s *Server) Run() error {
	atomic.StoreInt32(&s.running, 1)
	log.Infof("serving %q", s.cfg.ServiceName)

	for atomic.LoadInt32(&s.running) == 1 {
		frame, ok, err := s.port.Receive()
		if err != nil {
			log.Errorf("receive failed: %v", err)
			continue
		}
		if !ok {
			continue
		}
		s.dispatch(frame)
	}

	s.destroyAllClients()
	log.Info("stopped")
	return nil
}

// Stop clears the running flag; Run exits on its next poll.
func (s *Server) Stop() {
	atomic.StoreInt32(&s.running, 0)
}

func (s *Server) dispatch(frame wire.Frame) {
	id := frame.Header.MsgID

	if id.Has(msgid.Iack) {
		if !s.acks.HandleAck(frame.Header.CorrelationID, frame.Header, frame.UserPayload, frame.UserFD) {
			if err := wire.ReleaseUserFD(frame.UserFD); err != nil {
				log.Errorf("failed to release unclaimed capability fd: %v", err)
			}
		}
		return
	}

	if msgid.IsInternalType(id, uint8(msgid.TypeConnect)) {
		s.handleConnect(frame)
		return
	}

	s.handleUserMessage(frame)
}

func (s *Server) handleConnect(frame wire.Frame) {
	replyAddr := string(frame.UserPayload)
	if replyAddr == "" {
		log.Warning("connect with no reply address, dropping")
		return
	}

	slot := s.clients.FindFree()
	if slot == -1 {
		s.metrics.clientFullRejects.Inc()
		s.ackConnect(replyAddr, frame.Header.CorrelationID, 0, -1, status.ClientFull)
		return
	}

	s.clientsMu.Lock()
	s.nextID++
	id := s.nextID
	s.clientsMu.Unlock()

	rec := &clientRecord{
		id:    id,
		slot:  int32(slot),
		addr:  replyAddr,
		state: ClientRegistered,
		queue: channels.NewInfiniteChannel(),
	}
	if !s.clients.Set(slot, rec) {
		s.ackConnect(replyAddr, frame.Header.CorrelationID, 0, -1, status.Internal)
		return
	}
	rec.death = wire.WatchDeath(replyAddr, func() { s.handleClientDeath(rec) })
	rec.Go(func() { s.runClientQueue(rec) })

	s.metrics.connectsTotal.Inc()
	s.metrics.clientsConnected.Inc()
	s.ackConnect(replyAddr, frame.Header.CorrelationID, id, int32(slot), status.Success)

	if s.cfg.OnClientConnected != nil {
		rec.queue.In() <- func() { s.cfg.OnClientConnected(id) }
	}
}

func (s *Server) ackConnect(replyAddr string, correlationID uint64, clientID uint32, slot int32, code status.Code) {
	header := wire.Header{
		MsgID:         msgid.MakeInternal(uint8(msgid.TypeConnect)).Set(msgid.Iack),
		ClientID:      clientID,
		ClientSlot:    slot,
		CorrelationID: correlationID,
		Status:        int32(code),
	}
	if err := s.port.Send(replyAddr, header, nil, -1); err != nil {
		log.Errorf("failed to ack connect: %v", err)
	}
}

func (s *Server) handleUserMessage(frame wire.Frame) {
	rec, ok := s.findClientBySlot(frame.Header.ClientSlot, frame.Header.ClientID)
	if !ok {
		if err := wire.ReleaseUserFD(frame.UserFD); err != nil {
			log.Errorf("failed to release capability fd for unknown client: %v", err)
		}
		return
	}
	deadline := frame.Header.Deadline
	rec.queue.In() <- func() { s.runUserMessage(rec, frame, deadline) }
}

func (s *Server) runUserMessage(rec *clientRecord, frame wire.Frame, deadline time.Time) {
	wantsReply := frame.Header.MsgID.Has(msgid.Wack)

	if !clock.HasNoDeadline(deadline) && clock.IsDeadlineExpired(deadline) {
		if err := wire.ReleaseUserFD(frame.UserFD); err != nil {
			log.Errorf("failed to release capability fd for expired message: %v", err)
		}
		if wantsReply {
			s.sendAck(rec, frame.Header, nil, status.Timeout)
		}
		return
	}

	if s.cfg.Handler == nil {
		if err := wire.ReleaseUserFD(frame.UserFD); err != nil {
			log.Errorf("failed to release capability fd with no handler installed: %v", err)
		}
		if wantsReply {
			s.sendAck(rec, frame.Header, nil, status.Internal)
		}
		return
	}

	s.metrics.messagesHandled.Inc()
	reply, code := s.cfg.Handler(rec.id, frame.Header.MsgID.TypeOf(), frame.UserPayload, frame.UserFD)
	if wantsReply {
		s.sendAck(rec, frame.Header, reply, code)
	}
}

func (s *Server) sendAck(rec *clientRecord, reqHeader wire.Header, reply []byte, code status.Code) {
	header := wire.Header{
		MsgID:         reqHeader.MsgID.Clear(msgid.Wack).Set(msgid.Iack),
		CorrelationID: reqHeader.CorrelationID,
		ClientID:      rec.id,
		ClientSlot:    rec.slot,
		Status:        int32(code),
	}
	if err := s.port.Send(rec.addr, header, reply, -1); err != nil {
		log.Errorf("failed to ack client %d: %v", rec.id, err)
	}
}

func (s *Server) runClientQueue(rec *clientRecord) {
	out := rec.queue.Out()
	for {
		select {
		case <-rec.HaltCh():
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			if fn, ok := v.(func()); ok {
				fn()
			}
		}
	}
}

func (s *Server) findClientBySlot(slot int32, clientID uint32) (*clientRecord, bool) {
	rec, active := s.clients.Get(int(slot))
	if !active || rec.id != clientID {
		return nil, false
	}
	return rec, true
}

// Broadcast sends msgType/payload to every currently connected client,
// snapshotting the client set before sending so no lock is held across
// the sends. Returns the last non-success status observed, if any.
func (s *Server) Broadcast(msgType uint8, payload []byte) status.Code {
	recs := s.clients.Snapshot()
	last := status.Success
	for _, rec := range recs {
		header := wire.Header{MsgID: msgid.MakeUser(msgType), ClientID: rec.id, ClientSlot: rec.slot}
		if err := s.port.Send(rec.addr, header, payload, -1); err != nil {
			last = status.SendFailed
			s.metrics.broadcastFailures.Inc()
		}
	}
	return last
}

// ClientCount reports the number of currently connected clients.
func (s *Server) ClientCount() int {
	return len(s.clients.Snapshot())
}

// MaxClients reports the fixed capacity of the client table.
func (s *Server) MaxClients() int {
	return s.clients.Len()
}

func (s *Server) findClientByID(clientID uint32) (*clientRecord, bool) {
	for _, rec := range s.clients.Snapshot() {
		if rec.id == clientID {
			return rec, true
		}
	}
	return nil, false
}

// Send pushes a fire-and-forget message to clientID, outside the
// context of any inbound message from that client.
func (s *Server) Send(clientID uint32, msgType uint8, payload []byte) error {
	rec, ok := s.findClientByID(clientID)
	if !ok {
		return fmt.Errorf("server: send: %w", status.NotConnected)
	}
	header := wire.Header{MsgID: msgid.MakeUser(msgType), ClientID: rec.id, ClientSlot: rec.slot}
	if err := s.port.Send(rec.addr, header, payload, -1); err != nil {
		return fmt.Errorf("server: send: %w", status.SendFailed)
	}
	return nil
}

// SendWithReply pushes a message to clientID expecting an ack and
// blocks up to timeout for the reply.
func (s *Server) SendWithReply(clientID uint32, msgType uint8, payload []byte, timeout time.Duration) ([]byte, status.Code, error) {
	rec, ok := s.findClientByID(clientID)
	if !ok {
		return nil, status.NotConnected, fmt.Errorf("server: send_with_reply: %w", status.NotConnected)
	}

	cid := s.acks.NextCorrelationID()
	waiter, err := s.acks.Register(cid)
	if err != nil {
		return nil, status.Internal, fmt.Errorf("server: register waiter: %w", err)
	}

	deadline := clock.CalcDeadline(uint64(timeout.Milliseconds()))
	header := wire.Header{
		MsgID:         msgid.MakeUser(msgType).Set(msgid.Wack),
		ClientID:      rec.id,
		ClientSlot:    rec.slot,
		CorrelationID: cid,
		Deadline:      deadline,
	}
	if err := s.port.Send(rec.addr, header, payload, -1); err != nil {
		s.acks.Release(waiter)
		return nil, status.SendFailed, fmt.Errorf("server: send_with_reply: %w", status.SendFailed)
	}

	reply, ok := s.acks.Await(waiter, deadline)
	s.acks.Release(waiter)
	if !ok {
		return nil, status.Timeout, fmt.Errorf("server: send_with_reply: %w", status.Timeout)
	}
	return reply.UserPayload, status.Code(reply.Header.Status), nil
}

func (s *Server) handleClientDeath(rec *clientRecord) {
	s.metrics.deathNotifications.Inc()
	if s.cfg.OnClientDisconnected != nil {
		rec.queue.In() <- func() { s.cfg.OnClientDisconnected(rec.id) }
	}
	s.destroyClient(rec)
}

// DisconnectClient forcibly removes clientID, as if its death had been
// observed.
func (s *Server) DisconnectClient(clientID uint32) bool {
	rec, ok := s.findClientByID(clientID)
	if !ok {
		return false
	}
	s.destroyClient(rec)
	return true
}

func (s *Server) destroyClient(rec *clientRecord) {
	rec.state = ClientInactive
	if rec.death != nil {
		rec.death.Stop()
	}
	rec.Halt()
	rec.queue.Close()
	s.clients.Remove(int(rec.slot))
	rec.state = ClientFreed
	s.metrics.clientsConnected.Dec()
}

func (s *Server) destroyAllClients() {
	for _, rec := range s.clients.Snapshot() {
		s.destroyClient(rec)
	}
}

// Destroy stops the server if running and releases its own listening
// port.
func (s *Server) Destroy() error {
	s.Stop()
	return s.port.Close()
}
