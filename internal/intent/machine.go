// Package intent drives remote identities through registration and
// connection. Each identity has at most one intent in flight; later intents
// against the same identity wait for it and then re-evaluate.
package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/transport"
	"github.com/rs/zerolog/log"
)

// Ticket numbers intents in the order they were issued.
type Ticket uint64

// RegisterOutcome is a successful registration.
type RegisterOutcome struct {
	ID     identity.ID
	Alias  string
	CID    uint64
	Ticket Ticket
	At     time.Time
	// Cached is set when the identity was already registered and no
	// handshake ran.
	Cached bool
}

// ConnectOutcome is a successful connection.
type ConnectOutcome struct {
	Handle directory.Handle
	Ticket Ticket
	// Cached is set when the identity was already connected.
	Cached bool
}

// Result is reported to observers after every intent.
type Result struct {
	Op       Op
	ID       identity.ID
	Ticket   Ticket
	Cached   bool
	Err      error
	Duration time.Duration
}

// Config configures a Machine.
type Config struct {
	// Local is the identity intents are issued as.
	Local identity.ID
	// Server is the configured server identity; every other identity is a peer.
	Server identity.ID
	// IntentTimeout bounds one handshake end to end.
	IntentTimeout time.Duration
}

type outcome struct {
	register RegisterOutcome
	connect  ConnectOutcome
	err      error
}

// task is one in-flight intent. waiters counts callers still interested in
// its outcome.
type task struct {
	op      Op
	ticket  Ticket
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	out     outcome
	waiters int
}

// Machine is safe for concurrent use.
type Machine struct {
	cfg Config
	dir *directory.Directory
	tr  transport.Transport

	base       context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	tasks     map[identity.ID]*task
	closed    bool
	observers []func(Result)

	tickets atomic.Uint64
	wg      sync.WaitGroup
}

func NewMachine(cfg Config, dir *directory.Directory, tr transport.Transport) *Machine {
	if cfg.IntentTimeout <= 0 {
		cfg.IntentTimeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:        cfg,
		dir:        dir,
		tr:         tr,
		base:       base,
		baseCancel: cancel,
		tasks:      make(map[identity.ID]*task),
	}
}

// Directory returns the directory the machine drives.
func (m *Machine) Directory() *directory.Directory { return m.dir }

// Local returns the identity the machine issues intents as.
func (m *Machine) Local() identity.ID { return m.cfg.Local }

// Observe registers fn to receive every intent result.
func (m *Machine) Observe(fn func(Result)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Register drives id from unregistered to registered. An identity that is
// already registered is answered from the directory.
func (m *Machine) Register(ctx context.Context, id identity.ID, alias string) (RegisterOutcome, error) {
	out, err := m.run(ctx, OpRegister, id, alias)
	return out.register, err
}

// Connect drives a registered id to connected. An identity that is already
// connected is answered from the directory without touching the transport.
func (m *Machine) Connect(ctx context.Context, id identity.ID) (ConnectOutcome, error) {
	out, err := m.run(ctx, OpConnect, id, "")
	return out.connect, err
}

// RegisterAndConnect registers id when needed and then connects it.
func (m *Machine) RegisterAndConnect(ctx context.Context, id identity.ID, alias string) (ConnectOutcome, error) {
	sess, ok := m.dir.Find(id)
	if !ok || !sess.Registered() || sess.State == directory.StateClosed {
		if _, err := m.Register(ctx, id, alias); err != nil {
			return ConnectOutcome{}, err
		}
	}
	return m.Connect(ctx, id)
}

// Cancel flips the context of the intent in flight for id. It reports
// whether one was in flight.
func (m *Machine) Cancel(id identity.ID) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	log.Debug().Msgf("intent.Machine.Cancel id=%s op=%s ticket=%d", id, t.op, t.ticket)
	return true
}

// InFlight returns the number of intents currently running.
func (m *Machine) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Teardown closes the session held with id and removes it from the
// directory. It always succeeds and is idempotent. An intent in flight for
// id is cancelled and has settled by the time Teardown returns, so the next
// intent against id starts fresh.
func (m *Machine) Teardown(id identity.ID) error {
	start := time.Now()
	m.mu.Lock()
	t, inFlight := m.tasks[id]
	m.mu.Unlock()
	if inFlight {
		t.cancel()
		<-t.done
		log.Debug().Msgf("intent.Machine.Teardown settled id=%s op=%s ticket=%d", id, t.op, t.ticket)
	}
	sess, ok := m.dir.Find(id)
	if ok {
		if _, err := m.dir.Upsert(id, directory.StateClosed); err != nil {
			log.Debug().Err(err).Msgf("intent.Machine.Teardown close state id=%s", id)
		}
		if !sess.Ref.IsZero() {
			if err := m.tr.CloseSession(sess.Ref); err != nil {
				log.Warn().Err(err).Msgf("intent.Machine.Teardown close session id=%s ref=%s", id, sess.Ref.ID)
			}
		}
	}
	m.dir.Remove(id)
	if ok {
		log.Info().Msgf("intent.Machine.Teardown id=%s from=%s", id, sess.State)
		m.notify(Result{Op: OpTeardown, ID: id, Ticket: m.nextTicket(), Duration: time.Since(start)})
	}
	return nil
}

// Deregister drops the account held on id when the transport supports it
// and tears the session down.
func (m *Machine) Deregister(ctx context.Context, id identity.ID) error {
	if d, ok := m.tr.(transport.Deregisterer); ok {
		if err := d.Deregister(ctx, id); err != nil {
			return classify(OpDeregister, id, err, ctx.Err())
		}
	}
	return m.Teardown(id)
}

// Close cancels every outstanding intent and waits for them to settle.
// Sessions are left to the caller.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.baseCancel()
	m.wg.Wait()
}

func (m *Machine) run(ctx context.Context, op Op, id identity.ID, alias string) (outcome, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return outcome{}, NewError(op, id, KindCancelled, "machine closed", ErrClosed)
		}
		if t, ok := m.tasks[id]; ok {
			t.waiters++
			m.mu.Unlock()
			out, err := m.wait(ctx, op, id, t)
			if err != nil {
				return outcome{}, err
			}
			if t.op == op {
				return out, out.err
			}
			// a different intent finished first; look at the directory again
			continue
		}

		out, start, err := m.evaluate(op, id)
		if !start {
			m.mu.Unlock()
			m.notify(Result{Op: op, ID: id, Ticket: ticketOf(out), Cached: err == nil, Err: err})
			return out, err
		}
		t := m.startLocked(op, id, alias)
		m.mu.Unlock()
		out, err = m.wait(ctx, op, id, t)
		if err != nil {
			return outcome{}, err
		}
		return out, out.err
	}
}

// evaluate decides from the directory whether op needs a handshake. When it
// does not, it returns the cached outcome or the failure. Caller holds mu.
func (m *Machine) evaluate(op Op, id identity.ID) (outcome, bool, error) {
	sess, ok := m.dir.Find(id)
	switch op {
	case OpRegister:
		if ok && sess.Registered() && sess.State != directory.StateClosed {
			return outcome{register: RegisterOutcome{
				ID:     id,
				Alias:  sess.Alias,
				CID:    sess.Registration.CID,
				Ticket: m.nextTicket(),
				At:     sess.Registration.RegisteredAt,
				Cached: true,
			}}, false, nil
		}
		return outcome{}, true, nil
	case OpConnect:
		if !ok {
			return outcome{}, false, NewError(op, id, KindUnknownIdentity, "no session", ErrUnknownIdentity)
		}
		switch {
		case sess.State == directory.StateConnected:
			h, _ := m.dir.Handle(id)
			return outcome{connect: ConnectOutcome{Handle: h, Ticket: m.nextTicket(), Cached: true}}, false, nil
		case directory.CanTransition(sess.State, sess.Registered(), directory.StateConnecting):
			return outcome{}, true, nil
		}
		reason := fmt.Sprintf("%s -> %s", sess.State, directory.StateConnecting)
		return outcome{}, false, NewError(op, id, KindInvalidTransition, reason, directory.ErrInvalidTransition)
	}
	return outcome{}, false, fmt.Errorf("intent: unsupported op %q", op)
}

// startLocked registers and launches a task. Caller holds mu.
func (m *Machine) startLocked(op Op, id identity.ID, alias string) *task {
	ctx, cancel := context.WithTimeout(m.base, m.cfg.IntentTimeout)
	t := &task{
		op:      op,
		ticket:  m.nextTicket(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: 1,
	}
	m.tasks[id] = t
	m.wg.Add(1)
	go m.drive(t, id, alias)
	log.Debug().Msgf("intent.Machine.start id=%s op=%s ticket=%d", id, op, t.ticket)
	return t
}

// wait blocks until t settles or the caller gives up. The last caller to give
// up cancels the task.
func (m *Machine) wait(ctx context.Context, op Op, id identity.ID, t *task) (outcome, error) {
	select {
	case <-t.done:
		m.mu.Lock()
		t.waiters--
		m.mu.Unlock()
		return t.out, nil
	case <-ctx.Done():
		m.mu.Lock()
		t.waiters--
		abandon := t.waiters == 0
		m.mu.Unlock()
		if abandon {
			t.cancel()
		}
		return outcome{}, NewError(op, id, KindCancelled, "caller gave up", ctx.Err())
	}
}

func (m *Machine) drive(t *task, id identity.ID, alias string) {
	defer m.wg.Done()
	start := time.Now()
	var out outcome
	switch t.op {
	case OpRegister:
		out = m.driveRegister(t, id, alias)
	case OpConnect:
		out = m.driveConnect(t, id)
	}
	out.register.Ticket = t.ticket
	out.connect.Ticket = t.ticket

	m.mu.Lock()
	t.out = out
	if m.tasks[id] == t {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	t.cancel()

	if out.err != nil {
		log.Info().Err(out.err).Msgf("intent.Machine.%s failed id=%s ticket=%d", t.op, id, t.ticket)
	} else {
		log.Info().Msgf("intent.Machine.%s ok id=%s ticket=%d", t.op, id, t.ticket)
	}
	// observers see the result before any waiter resumes
	m.notify(Result{Op: t.op, ID: id, Ticket: t.ticket, Err: out.err, Duration: time.Since(start)})
	close(t.done)
}

func (m *Machine) driveRegister(t *task, id identity.ID, alias string) outcome {
	if err := t.ctx.Err(); err != nil {
		return outcome{err: classify(OpRegister, id, err, err)}
	}
	if _, err := m.dir.Upsert(id, directory.StateRegistering); err != nil {
		return outcome{err: NewError(OpRegister, id, KindInvalidTransition, err.Error(), err)}
	}
	if alias != "" {
		_ = m.dir.SetAlias(id, alias)
	}
	ref, err := m.tr.OpenSession(t.ctx, transport.Request{
		Local:  m.cfg.Local,
		Remote: id,
		Alias:  alias,
		Role:   m.roleOf(id),
		Intent: transport.IntentRegister,
	})
	if err != nil {
		ie := classify(OpRegister, id, err, t.ctx.Err())
		m.fail(id, ie)
		return outcome{err: ie}
	}

	// past this point the remote side holds an account; record success
	now := time.Now().UTC()
	if err := m.dir.SetRegistration(id, directory.Registration{CID: ref.CID, RegisteredAt: now}); err != nil {
		return outcome{err: NewError(OpRegister, id, KindCancelled, "torn down during registration", err)}
	}
	if _, err := m.dir.Upsert(id, directory.StateRegistered); err != nil {
		return outcome{err: NewError(OpRegister, id, KindCancelled, "torn down during registration", err)}
	}
	m.dir.AddReachable(directory.PeerEntry{ID: id, Alias: alias})
	return outcome{register: RegisterOutcome{ID: id, Alias: alias, CID: ref.CID, At: now}}
}

func (m *Machine) driveConnect(t *task, id identity.ID) outcome {
	if err := t.ctx.Err(); err != nil {
		return outcome{err: classify(OpConnect, id, err, err)}
	}
	sess, err := m.dir.Upsert(id, directory.StateConnecting)
	if err != nil {
		kind := KindInvalidTransition
		if !errors.Is(err, directory.ErrInvalidTransition) {
			kind = KindUnknownIdentity
		}
		return outcome{err: NewError(OpConnect, id, kind, err.Error(), err)}
	}
	ref, err := m.tr.OpenSession(t.ctx, transport.Request{
		Local:  m.cfg.Local,
		Remote: id,
		Alias:  sess.Alias,
		Role:   m.roleOf(id),
		Intent: transport.IntentConnect,
	})
	if err != nil {
		ie := classify(OpConnect, id, err, t.ctx.Err())
		m.fail(id, ie)
		return outcome{err: ie}
	}

	// the session is established; a cancel arriving now does not undo it
	if err := m.dir.SetRef(id, ref); err == nil {
		_, err = m.dir.Upsert(id, directory.StateConnected)
		if err == nil {
			h, _ := m.dir.Handle(id)
			return outcome{connect: ConnectOutcome{Handle: h}}
		}
	}
	_ = m.tr.CloseSession(ref)
	return outcome{err: NewError(OpConnect, id, KindCancelled, "torn down during connect", err)}
}

func (m *Machine) fail(id identity.ID, ie *Error) {
	reason := string(ie.Kind)
	if ie.Reason != "" {
		reason += ": " + ie.Reason
	}
	if _, err := m.dir.Fail(id, reason); err != nil {
		log.Debug().Err(err).Msgf("intent.Machine.fail id=%s", id)
	}
}

func (m *Machine) roleOf(id identity.ID) identity.Role {
	if id == m.cfg.Server {
		return identity.RoleServer
	}
	return identity.RolePeer
}

func (m *Machine) nextTicket() Ticket {
	return Ticket(m.tickets.Add(1))
}

func (m *Machine) notify(r Result) {
	m.mu.Lock()
	observers := m.observers
	m.mu.Unlock()
	for _, fn := range observers {
		fn(r)
	}
}

func ticketOf(out outcome) Ticket {
	if out.register.Ticket != 0 {
		return out.register.Ticket
	}
	return out.connect.Ticket
}
