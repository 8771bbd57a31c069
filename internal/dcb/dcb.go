// Package dcb implements the Descriptor Control Block: a connection handle
// pinned to exactly one worker, carrying its read/write queues, TLS state,
// and callback hooks. It is the Go translation of MaxScale's DCB, split
// per the redesign guidance in spec.md §9 ("DCB as a god-object") into a
// small composed struct instead of one field-heavy object.
package dcb

import (
	"net"
	"sync"

	"github.com/joao-brasil/dbproxy/internal/buf"
	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// Role classifies what a Descriptor is used for.
type Role int

const (
	RoleListener Role = iota
	RoleClientHandler
	RoleBackendHandler
	RoleInternal
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleClientHandler:
		return "client"
	case RoleBackendHandler:
		return "backend"
	default:
		return "internal"
	}
}

// State is the lifecycle state of a Descriptor.
type State int

const (
	StateAlloc State = iota
	StatePolling
	StateNoPolling
	StateListening
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAlloc:
		return "alloc"
	case StatePolling:
		return "polling"
	case StateNoPolling:
		return "no_polling"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TLSState tracks the descriptor's TLS negotiation progress.
type TLSState int

const (
	TLSUnknown TLSState = iota
	TLSRequired
	TLSDone
	TLSEstablished
	TLSFailed
)

// CallbackReason identifies which lifecycle event a callback fires for.
type CallbackReason int

const (
	ReasonHighWater CallbackReason = iota
	ReasonLowWater
	ReasonError
	ReasonHangup
	ReasonClose
)

// Callback is a hook registered on a Descriptor. It is invoked in
// registration order, exactly once per crossing/event per the watermark and
// idempotent-guard rules in spec.md §4.2.
type Callback func(d *Descriptor)

type callbackEntry struct {
	reason CallbackReason
	fn     Callback
}

// WireBuffer groups a Descriptor's three buffer chains: pending reads,
// pending writes, and the delay queue held back until backend auth
// completes (spec.md §3 DCB fields).
type WireBuffer struct {
	Read  buf.Chain
	Write buf.Chain
	Delay buf.Chain
}

// Watermarks configures backpressure thresholds on the write queue.
type Watermarks struct {
	Low  int
	High int
}

// Descriptor is a poll-registered connection endpoint. Touched only by its
// owning worker except for message-queue posts (spec.md §4.2 invariant).
type Descriptor struct {
	ID     uint64
	Role   Role
	Remote net.Addr
	User   string

	mu    sync.Mutex
	state State

	Conn net.Conn
	Wire WireBuffer
	TLS  TLSState

	watermarks   Watermarks
	aboveHigh    bool // guards HighWater firing exactly once per crossing
	belowLow     bool // guards LowWater firing exactly once per crossing
	errorFired   bool
	hangupFired  bool

	callbacks []callbackEntry

	// WorkerID is the owning worker's opaque handle; resolved through a
	// per-worker registry rather than a direct pointer so cross-worker
	// references stay explicit handles (spec.md §9 redesign guidance).
	WorkerID int

	// PersistentPoolKey identifies the (server, user) pool this backend
	// descriptor may be parked on when closed instead of destroyed.
	PersistentPoolKey string
}

// New creates a Descriptor in the Alloc state.
func New(id uint64, role Role, conn net.Conn, watermarks Watermarks) *Descriptor {
	return &Descriptor{
		ID:         id,
		Role:       role,
		Conn:       conn,
		state:      StateAlloc,
		watermarks: watermarks,
	}
}

// State returns the current lifecycle state.
func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// transition moves the descriptor to a new state. Only the owning worker
// calls this, so no lock is strictly required for correctness against
// other workers, but the mutex guards against the rare cross-worker status
// read (e.g. admin "show session").
func (d *Descriptor) transition(to State) {
	d.mu.Lock()
	d.state = to
	d.mu.Unlock()
}

// Register moves Alloc -> Polling, the only legal entry into the active
// state machine (spec.md §4.2).
func (d *Descriptor) Register() error {
	if d.State() != StateAlloc {
		return errInvalidTransition(d.State(), StatePolling)
	}
	d.transition(StatePolling)
	return nil
}

// Pause moves Polling -> NoPolling (explicit backpressure pause).
func (d *Descriptor) Pause() error {
	if d.State() != StatePolling {
		return errInvalidTransition(d.State(), StateNoPolling)
	}
	d.transition(StateNoPolling)
	return nil
}

// Resume moves NoPolling -> Polling.
func (d *Descriptor) Resume() error {
	if d.State() != StateNoPolling {
		return errInvalidTransition(d.State(), StatePolling)
	}
	d.transition(StatePolling)
	return nil
}

// Close fires the Close callback (guaranteed to run before resources are
// released, per spec.md §4.2) then transitions to Disconnected.
func (d *Descriptor) Close() {
	if d.State() == StateDisconnected {
		return
	}
	d.fire(ReasonClose)
	d.transition(StateDisconnected)
	if d.Conn != nil {
		d.Conn.Close()
	}
}

// OnCallback registers a callback for a reason, fired in registration order.
func (d *Descriptor) OnCallback(reason CallbackReason, fn Callback) {
	d.callbacks = append(d.callbacks, callbackEntry{reason: reason, fn: fn})
}

func (d *Descriptor) fire(reason CallbackReason) {
	for _, cb := range d.callbacks {
		if cb.reason == reason {
			cb.fn(d)
		}
	}
}

// NotifyError fires the Error callback at most once (idempotent guard).
func (d *Descriptor) NotifyError() {
	if d.errorFired {
		return
	}
	d.errorFired = true
	d.fire(ReasonError)
}

// NotifyHangup fires the Hangup callback at most once.
func (d *Descriptor) NotifyHangup() {
	if d.hangupFired {
		return
	}
	d.hangupFired = true
	d.fire(ReasonHangup)
}

// QueueWrite appends bytes to the write queue and fires HighWater exactly
// once per crossing above the configured high watermark.
func (d *Descriptor) QueueWrite(b []byte) {
	d.Wire.Write = d.Wire.Write.Append(b)
	length := d.Wire.Write.Length()

	if d.watermarks.High > 0 && length > d.watermarks.High {
		if !d.aboveHigh {
			d.aboveHigh = true
			d.belowLow = false
			d.fire(ReasonHighWater)
		}
	}
}

// DrainWrite removes n bytes from the write queue (after they have been
// written to the wire) and fires LowWater exactly once per crossing below
// the configured low watermark.
func (d *Descriptor) DrainWrite(n int) {
	d.Wire.Write = d.Wire.Write.Consume(n)
	length := d.Wire.Write.Length()

	if d.watermarks.Low >= 0 && length <= d.watermarks.Low {
		if !d.belowLow {
			d.belowLow = true
			d.aboveHigh = false
			d.fire(ReasonLowWater)
		}
	}
}

// WriteQueueLength reports the current backlog of unwritten bytes.
func (d *Descriptor) WriteQueueLength() int { return d.Wire.Write.Length() }

// ReadMessage assembles one logical MariaDB message off this descriptor's
// connection, buffering any bytes read past the message boundary in the
// descriptor's own read chain (Wire.Read) instead of discarding them. This
// is the Chain-backed replacement for calling mariadb.ReadMessage directly
// against the raw net.Conn: the descriptor, not the caller, owns the
// buffering state across calls.
func (d *Descriptor) ReadMessage() (payload []byte, firstSeq byte, packets []mariadb.Packet, err error) {
	payload, firstSeq, packets, rest, err := mariadb.ReadMessageChain(d.Conn, d.Wire.Read)
	d.Wire.Read = rest
	return payload, firstSeq, packets, err
}

// ReadPacket reads exactly one physical packet, without joining
// 0xFFFFFF-length continuations, off this descriptor's buffered read chain.
func (d *Descriptor) ReadPacket() (mariadb.Packet, error) {
	pkt, rest, err := mariadb.ReadPacketChain(d.Conn, d.Wire.Read)
	d.Wire.Read = rest
	return pkt, err
}

// WritePacket queues then immediately flushes one packet to the wire. The
// write queue still exists (QueueWrite/DrainWrite) for watermark-driven
// backpressure; this is the direct-flush path a session's command loop uses
// for replies that must go out before the next command can be read.
func (d *Descriptor) WritePacket(pkt mariadb.Packet) error {
	if err := mariadb.WritePacket(d.Conn, pkt); err != nil {
		d.NotifyError()
		return err
	}
	return nil
}

type invalidTransitionError struct {
	from, to State
}

func (e *invalidTransitionError) Error() string {
	return "dcb: invalid transition from " + e.from.String() + " to " + e.to.String()
}

func errInvalidTransition(from, to State) error {
	return &invalidTransitionError{from: from, to: to}
}
