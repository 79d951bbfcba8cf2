package debug

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/SwitchForge/fsm"
	"github.com/itskum47/SwitchForge/observability"
	"github.com/itskum47/SwitchForge/registry"
)

const (
	maxConnections = 200
	writeTimeout   = 5 * time.Second
	statusInterval = 1 * time.Second

	// outboundBuffer bounds the broadcast queue. The hub never blocks the
	// machines feeding it; records past the buffer are dropped.
	outboundBuffer = 1024
)

// client pairs a connection with a write lock: replies to inbound messages
// and hub broadcasts come from different goroutines, and the websocket
// protocol allows one writer at a time.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) send(msg any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Hub fans machine activity out to websocket clients and routes inbound
// injections to the registry. One broadcaster goroutine owns the client set,
// so there are never N duplicate tickers.
type Hub struct {
	reg *registry.Registry

	clients    map[*websocket.Conn]*client
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	outbound   chan any
	stop       chan struct{}
	done       chan struct{}

	mu sync.RWMutex

	sampleEvery uint64
	seq         atomic.Uint64
	dropped     atomic.Uint64
}

// NewHub creates a hub over the registry. sampleEvery throttles STATE_CHANGE
// records: 0 or 1 emits all, n emits one in n. The hub subscribes itself as
// a registry listener.
func NewHub(reg *registry.Registry, sampleEvery int) *Hub {
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	h := &Hub{
		reg:         reg,
		clients:     make(map[*websocket.Conn]*client),
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		outbound:    make(chan any, outboundBuffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		sampleEvery: uint64(sampleEvery),
	}
	reg.AddListener(h)
	go h.run()
	return h
}

// run is the hub's broadcaster loop.
func (h *Hub) run() {
	defer close(h.done)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("debug: connection rejected, cap of %d reached", maxConnections)
				continue
			}
			c := &client{conn: conn}
			h.clients[conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			observability.DebugClients.Set(float64(n))
			h.sendTo(c, h.metadataMessage())
			log.Printf("debug: client connected, total %d", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.DebugClients.Set(float64(n))
			log.Printf("debug: client disconnected, total %d", n)

		case msg := <-h.outbound:
			h.broadcast(msg)

		case <-ticker.C:
			states := h.reg.ActiveStates()
			h.broadcast(CompleteStatus{
				Type:     TypeCompleteStatus,
				Active:   len(states),
				Machines: states,
			})
		}
	}
}

// Register adds a client connection to the hub.
func (h *Hub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.stop:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.stop:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many records were shed because the broadcast queue was
// full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close unsubscribes from the registry and closes every client.
func (h *Hub) Close() {
	h.reg.RemoveListener(h)
	close(h.stop)
	<-h.done
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*client)
	observability.DebugClients.Set(0)
}

// broadcast writes one message to every client. Dead connections are pruned
// on write error.
func (h *Hub) broadcast(msg any) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.sendTo(c, msg)
	}
}

func (h *Hub) sendTo(c *client, msg any) {
	if err := c.send(msg); err != nil {
		log.Printf("debug: write failed: %v", err)
		go h.Unregister(c.conn)
	}
}

func (h *Hub) lookup(conn *websocket.Conn) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[conn]
	return c, ok
}

// enqueue hands a record to the broadcaster without blocking the caller,
// which is a machine mid-transition.
func (h *Hub) enqueue(msg any) {
	select {
	case h.outbound <- msg:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) metadataMessage() EventMetadataUpdate {
	return EventMetadataUpdate{
		Type:      TypeEventMetadataUpdate,
		EventTags: h.reg.Catalog().Tags(),
	}
}

// OnStateMachineEvent implements registry.Listener: transitions become
// STATE_CHANGE records, sampled one in sampleEvery, plus a TIMEOUT_COUNTDOWN
// when the new state armed a timeout.
func (h *Hub) OnStateMachineEvent(n fsm.TransitionNotice) {
	if h.sampleEvery > 1 && h.seq.Add(1)%h.sampleEvery != 0 {
		return
	}

	var pcJSON json.RawMessage
	if b, err := json.Marshal(n.PC); err == nil {
		pcJSON = b
	}
	h.enqueue(StateChange{
		Type:      TypeStateChange,
		MachineID: n.MachineID,
		OldState:  n.OldState,
		NewState:  n.NewState,
		EventType: n.EventTag,
		Context:   pcJSON,
		Timestamp: n.When,
		Final:     n.Final,
		Offline:   n.Offline,
	})

	if n.TimeoutIn > 0 {
		h.enqueue(TimeoutCountdown{
			Type:      TypeTimeoutCountdown,
			MachineID: n.MachineID,
			State:     n.NewState,
			ExpiresAt: n.When.Add(n.TimeoutIn),
			Millis:    n.TimeoutIn.Milliseconds(),
		})
	}
}

// OnRegistryCreate implements registry.Listener: the registered set changed,
// so clients get a metadata refresh.
func (h *Hub) OnRegistryCreate(id string) {
	h.enqueue(h.metadataMessage())
}

// OnRegistryRehydrate implements registry.Listener.
func (h *Hub) OnRegistryRehydrate(id string) {
	h.enqueue(h.metadataMessage())
}

// OnRegistryRemove implements registry.Listener.
func (h *Hub) OnRegistryRemove(id string) {
	h.enqueue(h.metadataMessage())
}

// OnEventIgnored implements registry.Listener.
func (h *Hub) OnEventIgnored(e registry.IgnoredEvent) {}

// handleInbound processes one client message: EVENT injects through the
// catalog into the registry, STATE answers with the machine's current state.
func (h *Hub) handleInbound(conn *websocket.Conn, raw []byte) {
	c, ok := h.lookup(conn)
	if !ok {
		return
	}

	var in InboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		h.sendTo(c, InjectionResult{Type: "ERROR", Error: "malformed message"})
		return
	}

	switch in.Action {
	case ActionEvent:
		h.injectEvent(c, in)
	case ActionState:
		h.answerState(c, in.MachineID)
	default:
		h.sendTo(c, InjectionResult{Type: "ERROR", Error: "unknown action " + in.Action})
	}
}

func (h *Hub) injectEvent(c *client, in InboundMessage) {
	res := InjectionResult{
		Type:      "INJECTION_RESULT",
		MachineID: in.MachineID,
		EventType: in.EventType,
	}

	ev, err := h.reg.Catalog().Decode(in.EventType, in.Payload)
	if err != nil {
		res.Error = err.Error()
		h.sendTo(c, res)
		return
	}

	out := h.reg.SendEvent(in.MachineID, ev)
	res.Outcome = out.Code.String()
	if out.Reason != registry.ReasonNone {
		res.Reason = out.Reason.String()
	}
	h.sendTo(c, res)
}

func (h *Hub) answerState(c *client, id string) {
	msg := CurrentState{Type: TypeCurrentState, MachineID: id}
	if m, ok := h.reg.Machine(id); ok {
		// Snapshot serializes inside the machine's single-writer domain;
		// marshalling the live context here would race a transition.
		snap := m.Snapshot()
		msg.Found = true
		msg.State = snap.CurrentState
		msg.Context = snap.Data
	}
	h.sendTo(c, msg)
}
