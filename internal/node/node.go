// Package node hosts one identity on a peerlink network. A Node owns the
// session directory, the intent machine, the peer-set aggregator, the group
// coordinator and the transport, exposes them to a kernel as a Remote, and
// runs until that kernel returns.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/group"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/kernel"
	"github.com/danmuck/peerlink/internal/observability"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/danmuck/peerlink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrLifecycleOrder = errors.New("node: invalid lifecycle transition")
	ErrNoSession      = errors.New("node: no connected session")
)

const eventQueueSize = 256

// Phase is the node's lifecycle phase.
type Phase string

const (
	PhaseBoot    Phase = "boot"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
)

// Config is the immutable snapshot a node is built from.
type Config struct {
	ID     identity.ID
	Alias  string
	Server identity.ID
	// Session carries the intent and join deadlines.
	Session session.Config
	// MaxConcurrent bounds peer-set submissions.
	MaxConcurrent int
	// SetDeadline cancels peer-set targets still pending after it.
	SetDeadline time.Duration
	MailboxSize int
	// AdminAddr serves the admin HTTP API when set.
	AdminAddr   string
	CorsOrigins []string
	// AdminToken guards the mutating admin routes when set.
	AdminToken string
}

// Status is the admin view of a node.
type Status struct {
	ID        identity.ID `json:"id"`
	Alias     string      `json:"alias,omitempty"`
	Server    identity.ID `json:"server,omitempty"`
	Addr      string      `json:"addr"`
	Kernel    kernel.Kind `json:"kernel"`
	Phase     Phase       `json:"phase"`
	Uptime    string      `json:"uptime"`
	Sessions  int         `json:"sessions"`
	Connected int         `json:"connected"`
	InFlight  int         `json:"in_flight"`
	Groups    int         `json:"groups"`
	Joined    int         `json:"joined"`
}

// Node implements kernel.Remote.
type Node struct {
	cfg    Config
	tr     transport.Transport
	kernel kernel.Kernel

	dir     *directory.Directory
	machine *intent.Machine
	agg     *peerset.Aggregator
	coord   *group.Coordinator
	router  *gin.Engine

	admitMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	appeared    time.Time
	stop        context.CancelFunc
	memberships map[string]identity.ID
	announced   map[string]identity.ID
	pending     map[uint64]chan session.GroupInitAck
	closedOut   bool

	requests atomic.Uint64
	events   chan kernel.Event
	accept   chan transport.Inbound
	wg       sync.WaitGroup
}

var _ kernel.Remote = (*Node)(nil)

// New wires a node for cfg over tr. A nil kernel runs kernel.Empty.
func New(cfg Config, tr transport.Transport, k kernel.Kernel) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: node id", identity.ErrEmptyID)
	}
	if tr == nil {
		return nil, fmt.Errorf("node: %s has no transport", cfg.ID)
	}
	if k == nil {
		k = kernel.Empty{}
	}
	cfg.Session = cfg.Session.WithDefaults()

	n := &Node{
		cfg:         cfg,
		tr:          tr,
		kernel:      k,
		dir:         directory.New(),
		phase:       PhaseBoot,
		appeared:    time.Now(),
		memberships: make(map[string]identity.ID),
		announced:   make(map[string]identity.ID),
		pending:     make(map[uint64]chan session.GroupInitAck),
		events:      make(chan kernel.Event, eventQueueSize),
		accept:      make(chan transport.Inbound, eventQueueSize),
	}
	n.machine = intent.NewMachine(intent.Config{
		Local:         cfg.ID,
		Server:        cfg.Server,
		IntentTimeout: cfg.Session.IntentTimeout,
	}, n.dir, tr)
	n.agg = peerset.New(n.machine, peerset.Config{MaxConcurrent: cfg.MaxConcurrent, Deadline: cfg.SetDeadline})
	n.coord = group.New(group.Config{
		Server:      cfg.Server,
		JoinTimeout: cfg.Session.JoinTimeout,
		MailboxSize: cfg.MailboxSize,
	}, consent{n: n}, n.introduce)

	n.machine.Observe(n.onIntent)
	n.coord.Observe(n.onGroupEvent)
	n.dir.Watch(func(ch directory.Change) {
		if ch.Removed {
			return
		}
		observability.RecordSessionTransition(cfg.ID.String(), string(ch.To))
	})
	n.router = n.newRouter()
	return n, nil
}

func (n *Node) Local() identity.ID              { return n.cfg.ID }
func (n *Node) Server() identity.ID             { return n.cfg.Server }
func (n *Node) Directory() *directory.Directory { return n.dir }
func (n *Node) Coordinator() *group.Coordinator { return n.coord }
func (n *Node) HTTPRouter() *gin.Engine         { return n.router }
func (n *Node) Kind() kernel.Kind               { return n.kernel.Kind() }

func (n *Node) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// Run drives the kernel to completion. The node's sessions are closed when
// it returns, and a kernel error is returned as is.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.mu.Lock()
	if n.phase != PhaseBoot {
		phase := n.phase
		n.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, phase, PhaseRunning)
	}
	n.phase = PhaseRunning
	n.stop = cancel
	n.mu.Unlock()
	defer n.Close()

	n.wg.Add(2)
	go n.inboundLoop(ctx)
	go n.signalLoop(ctx)

	adminErr := make(chan error, 1)
	if n.cfg.AdminAddr != "" {
		srv := &http.Server{Addr: n.cfg.AdminAddr, Handler: n.router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Msgf("node.Node.Run admin addr=%s", n.cfg.AdminAddr)
	}

	log.Info().Msgf("node.Node.Run id=%s kernel=%s addr=%s", n.cfg.ID, n.kernel.Kind(), n.tr.Addr())
	err := n.kernel.Run(ctx, n)
	select {
	case aerr := <-adminErr:
		if err == nil {
			err = fmt.Errorf("node: admin server: %w", aerr)
		}
	default:
	}
	if err != nil {
		log.Error().Err(err).Msgf("node.Node.Run kernel failed id=%s kernel=%s", n.cfg.ID, n.kernel.Kind())
		return err
	}
	log.Info().Msgf("node.Node.Run kernel done id=%s kernel=%s", n.cfg.ID, n.kernel.Kind())
	return nil
}

// Shutdown cancels the running kernel.
func (n *Node) Shutdown() {
	n.mu.Lock()
	stop := n.stop
	n.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close cancels every outstanding intent, disbands owned groups, moves every
// live session to closed and closes the transport. It is idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.phase == PhaseStopped {
		n.mu.Unlock()
		return nil
	}
	n.phase = PhaseStopped
	stop := n.stop
	n.mu.Unlock()
	if stop != nil {
		stop()
	}

	n.machine.Close()
	n.coord.Close()
	for _, sess := range n.dir.Sessions() {
		if sess.State.Terminal() {
			continue
		}
		if _, err := n.dir.Upsert(sess.ID, directory.StateClosed); err != nil {
			log.Debug().Err(err).Msgf("node.Node.Close id=%s", sess.ID)
		}
		if !sess.Ref.IsZero() {
			_ = n.tr.CloseSession(sess.Ref)
		}
	}
	err := n.tr.Close()
	n.wg.Wait()

	n.mu.Lock()
	n.closedOut = true
	for id, ch := range n.pending {
		close(ch)
		delete(n.pending, id)
	}
	close(n.events)
	close(n.accept)
	n.mu.Unlock()
	log.Info().Msgf("node.Node.Close id=%s", n.cfg.ID)
	return err
}

// Status returns the admin view of the node.
func (n *Node) Status() Status {
	sessions := n.dir.Sessions()
	connected := 0
	for _, s := range sessions {
		if s.State == directory.StateConnected {
			connected++
		}
	}
	n.mu.Lock()
	phase := n.phase
	joined := len(n.memberships)
	n.mu.Unlock()
	owned := 0
	for _, g := range n.coord.Groups() {
		if g.State == group.StateActive {
			owned++
		}
	}
	return Status{
		ID:        n.cfg.ID,
		Alias:     n.cfg.Alias,
		Server:    n.cfg.Server,
		Addr:      n.tr.Addr(),
		Kernel:    n.kernel.Kind(),
		Phase:     phase,
		Uptime:    time.Since(n.appeared).Round(time.Second).String(),
		Sessions:  len(sessions),
		Connected: connected,
		InFlight:  n.machine.InFlight(),
		Groups:    owned,
		Joined:    joined,
	}
}

// Memberships returns the groups this node joined on remote owners.
func (n *Node) Memberships() map[string]identity.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]identity.ID, len(n.memberships))
	for k, v := range n.memberships {
		out[k] = v
	}
	return out
}

func (n *Node) Accept() <-chan transport.Inbound { return n.accept }

func (n *Node) Events() <-chan kernel.Event { return n.events }

func (n *Node) emit(ev kernel.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closedOut {
		return
	}
	select {
	case n.events <- ev:
	default:
		log.Warn().Msgf("node.Node.emit queue full id=%s dropped=%s", n.cfg.ID, ev)
	}
}

func (n *Node) onIntent(r intent.Result) {
	result := "ok"
	if r.Cached {
		result = "cached"
	}
	if kind, ok := intent.KindOf(r.Err); ok {
		result = string(kind)
	}
	observability.RecordIntent(n.cfg.ID.String(), string(r.Op), result, r.Duration)

	ev := kernel.Event{ID: r.ID, Ticket: r.Ticket, Err: r.Err}
	switch r.Op {
	case intent.OpRegister:
		ev.Kind = kernel.EventRegistered
		if r.Err != nil {
			ev.Kind = kernel.EventRegisterFailed
		}
	case intent.OpConnect:
		ev.Kind = kernel.EventConnected
		if r.Err != nil {
			ev.Kind = kernel.EventConnectFailed
		}
	case intent.OpTeardown:
		ev.Kind = kernel.EventDisconnected
	default:
		return
	}
	n.emit(ev)
}

func (n *Node) onGroupEvent(ev group.Event) {
	observability.RecordGroupEvent(n.cfg.ID.String(), string(ev.Kind))
	out := kernel.Event{Group: ev.Group, ID: ev.Member}
	switch ev.Kind {
	case group.EventActive:
		out.Kind = kernel.EventGroupCreated
		out.ID = ev.Owner
	case group.EventJoined:
		out.Kind = kernel.EventGroupJoined
	case group.EventLeft:
		out.Kind = kernel.EventGroupLeft
	case group.EventDisbanded:
		out.Kind = kernel.EventGroupDisbanded
		out.ID = ev.Owner
	default:
		return
	}
	n.emit(out)
}

func (n *Node) connected(id identity.ID) bool {
	sess, ok := n.dir.Find(id)
	return ok && sess.State == directory.StateConnected
}

// consent answers the group coordinator from this node's directory. Only the
// local identity's own sessions can be established here.
type consent struct {
	n *Node
}

func (c consent) Connected(member, owner identity.ID) bool {
	switch c.n.cfg.ID {
	case member:
		return c.n.connected(owner)
	case owner:
		return c.n.connected(member)
	}
	return false
}

func (c consent) Establish(ctx context.Context, member, owner identity.ID) error {
	if member != c.n.cfg.ID {
		return fmt.Errorf("%w: %s must open its own session with %s", ErrNoSession, member, owner)
	}
	_, err := c.n.machine.RegisterAndConnect(ctx, owner, c.n.cfg.Alias)
	return err
}
