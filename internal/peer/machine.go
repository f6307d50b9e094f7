// Package peer implements the per-peer mutual-exclusion state machine:
// the local Lamport clock, the request table for every known peer, the
// ACK set, and the enter/leave critical-section decision predicate.
//
// A Machine is driven by two inputs: Handle, called for every message
// the transport layer delivers, and the driver calls BeginRequest /
// AwaitEntry / Release that bracket one critical-section attempt. All
// mutation happens under one mutex; Handle signals a channel when the
// entry predicate becomes true, which AwaitEntry blocks on. This mirrors
// the mutex+channel idiom the Ricart-Agrawala node this package is
// descended from used for the same purpose, generalized to Lamport's
// original ack-count/min-pending predicate instead of an empty-replies-
// needed set.
package peer

import (
	"context"
	"sync"

	"github.com/sincronizacion-distribuida/lamutex/internal/clock"
	"github.com/sincronizacion-distribuida/lamutex/internal/wire"
)

// State is one of the four states a peer passes through per round.
type State int

const (
	Idle State = iota
	Requesting
	InCS
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Requesting:
		return "Requesting"
	case InCS:
		return "InCS"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Record is the table entry a peer keeps for every known peer id,
// including itself.
type Record struct {
	ID         int32
	Clock      int64
	Requesting bool
}

// Machine is the local mutual-exclusion state for one peer.
type Machine struct {
	self   int32
	npeers int32
	clock  *clock.Lamport

	mu          sync.Mutex
	records     []Record // indexed by peer id
	ackSet      map[int32]bool
	requestTime int64
	state       State
	started     bool
	terminated  bool

	csReady chan struct{}
	startCh chan struct{}
	doneCh  chan struct{}
}

// New creates the mutual-exclusion state for peer id self among npeers
// total peers.
func New(self, npeers int32) *Machine {
	records := make([]Record, npeers)
	for i := range records {
		records[i] = Record{ID: int32(i)}
	}
	return &Machine{
		self:    self,
		npeers:  npeers,
		clock:   clock.New(),
		records: records,
		ackSet:  make(map[int32]bool, npeers),
		state:   Idle,
		csReady: make(chan struct{}, 1),
		startCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Clock exposes the machine's logical clock (read-only use by callers
// that need the current value for logging).
func (m *Machine) Clock() int64 {
	return m.clock.Time()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitStarted blocks until a START message has been handled or ctx is
// done.
func (m *Machine) WaitStarted(ctx context.Context) error {
	select {
	case <-m.startCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTerminated blocks until the coordinator's terminating DONE has
// been handled or ctx is done.
func (m *Machine) WaitTerminated(ctx context.Context) error {
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginRequest clears the ACK set and returns the REQUEST message the
// driver must broadcast. The clock bump on the send happens here: the
// request IS the send event.
func (m *Machine) BeginRequest() wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ackSet = make(map[int32]bool, m.npeers)
	m.requestTime = m.clock.Increment()
	m.state = Requesting

	return wire.NewRequest(m.self, wire.Broadcast, m.requestTime)
}

// AwaitEntry blocks until the entry predicate holds: the peer has
// collected an ACK from every peer (including itself, via broker
// self-delivery) and, among all peers currently requesting, this peer
// has the lexicographically smallest (clock, id).
func (m *Machine) AwaitEntry(ctx context.Context) error {
	for {
		if m.checkEntry() {
			return nil
		}
		select {
		case <-m.csReady:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Machine) checkEntry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryPredicateLocked()
}

func (m *Machine) entryPredicateLocked() bool {
	if len(m.ackSet) != int(m.npeers) {
		return false
	}
	min := m.minPendingLocked()
	if min == nil {
		return false
	}
	if min.ID == m.self {
		m.state = InCS
		return true
	}
	return false
}

func (m *Machine) minPendingLocked() *Record {
	var best *Record
	for i := range m.records {
		r := &m.records[i]
		if !r.Requesting {
			continue
		}
		if best == nil || r.Clock < best.Clock || (r.Clock == best.Clock && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// Release builds the RELEASE message the driver must broadcast and
// returns the peer to Idle. Own-requesting is cleared implicitly when
// the coordinator re-delivers this broadcast to self, per broker
// self-delivery.
func (m *Machine) Release() wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	clk := m.clock.Increment()
	m.state = Idle
	return wire.NewRelease(m.self, wire.Broadcast, clk)
}

// MarkDone transitions to the terminal Done state once the driver has
// queued its own DONE; the coordinator's terminating DONE is awaited
// separately through WaitTerminated.
func (m *Machine) MarkDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Done
}

// Handle processes one incoming message and returns a reply to send
// (non-nil only for REQUEST, which always elicits an ACK) along with
// whether a reply should be sent at all. Every Kind is terminal: there
// is no fallthrough from Done into an implicit default, unlike the
// benchmark this protocol is descended from.
func (m *Machine) Handle(msg wire.Message) (reply wire.Message, shouldReply bool) {
	if msg.Src < wire.Coordinator || msg.Src >= m.npeers {
		return wire.Message{}, false
	}

	switch msg.Kind {
	case wire.Request, wire.Ack, wire.Release:
		if msg.Src < 0 {
			return wire.Message{}, false
		}
		switch msg.Kind {
		case wire.Request:
			return m.handleRequest(msg), true
		case wire.Ack:
			m.handleAck(msg)
		case wire.Release:
			m.handleRelease(msg)
		}
		return wire.Message{}, false
	case wire.Start:
		m.handleStart()
		return wire.Message{}, false
	case wire.Done:
		m.handleDone()
		return wire.Message{}, false
	default:
		return wire.Message{}, false
	}
}

func (m *Machine) handleRequest(msg wire.Message) wire.Message {
	m.mu.Lock()
	m.records[msg.Src].Requesting = true
	m.records[msg.Src].Clock = msg.Clock
	replyClock := m.clock.Witness(msg.Clock)
	ready := m.entryPredicateLocked()
	m.mu.Unlock()

	// A self-delivered REQUEST is what first marks this peer's own
	// record as requesting; if every ACK had already arrived by then
	// (message order across sources is not guaranteed), the entry
	// predicate can only flip to true here, so it must be rechecked.
	if ready {
		select {
		case m.csReady <- struct{}{}:
		default:
		}
	}

	return wire.NewAck(m.self, msg.Src, replyClock)
}

func (m *Machine) handleAck(msg wire.Message) {
	m.mu.Lock()
	if !m.ackSet[msg.Src] {
		m.ackSet[msg.Src] = true
	}
	ready := m.entryPredicateLocked()
	m.mu.Unlock()

	if ready {
		select {
		case m.csReady <- struct{}{}:
		default:
		}
	}
}

func (m *Machine) handleRelease(msg wire.Message) {
	m.mu.Lock()
	m.records[msg.Src].Requesting = false
	ready := m.entryPredicateLocked()
	m.mu.Unlock()

	if ready {
		select {
		case m.csReady <- struct{}{}:
		default:
		}
	}
}

func (m *Machine) handleStart() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	close(m.startCh)
}

func (m *Machine) handleDone() {
	m.mu.Lock()
	alreadyTerminated := m.terminated
	m.terminated = true
	m.mu.Unlock()
	if !alreadyTerminated {
		close(m.doneCh)
	}
}
