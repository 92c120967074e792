// Package peerset issues intents against a set of identities with bounded
// concurrency and collects one joint outcome. Failures are isolated per
// identity and results keep the caller's input order.
package peerset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Mode selects which intents run for every target.
type Mode int

const (
	ModeRegister Mode = iota + 1
	ModeConnect
	ModeRegisterAndConnect
)

func (m Mode) String() string {
	switch m {
	case ModeRegister:
		return "register"
	case ModeConnect:
		return "connect"
	case ModeRegisterAndConnect:
		return "register_and_connect"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Aggregate summarizes a submission.
type Aggregate string

const (
	AggregateSuccess        Aggregate = "success"
	AggregatePartialFailure Aggregate = "partial_failure"
)

// Target is one identity to drive.
type Target struct {
	ID    identity.ID
	Alias string
}

// Result is the outcome for one target.
type Result struct {
	Target   Target
	Register *intent.RegisterOutcome
	Connect  *intent.ConnectOutcome
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

// Kind returns the failure kind, or "" on success.
func (r Result) Kind() intent.Kind {
	k, _ := intent.KindOf(r.Err)
	return k
}

// Outcome is the joint result of a submission.
type Outcome struct {
	Results   []Result
	Aggregate Aggregate
}

// Failed returns the failed results in input order.
func (o Outcome) Failed() []Result {
	var out []Result
	for _, r := range o.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Intents is the part of the intent machine the aggregator drives.
type Intents interface {
	Register(ctx context.Context, id identity.ID, alias string) (intent.RegisterOutcome, error)
	Connect(ctx context.Context, id identity.ID) (intent.ConnectOutcome, error)
	RegisterAndConnect(ctx context.Context, id identity.ID, alias string) (intent.ConnectOutcome, error)
}

// Config bounds a submission.
type Config struct {
	// MaxConcurrent caps intents in flight at once. Zero means unbounded.
	MaxConcurrent int
	// Deadline, when positive, gives up on every target still pending after
	// it. The machine cancels an abandoned intent only when no other caller
	// still waits on it.
	Deadline time.Duration
}

type Aggregator struct {
	intents Intents
	cfg     Config
}

func New(intents Intents, cfg Config) *Aggregator {
	return &Aggregator{intents: intents, cfg: cfg}
}

// Builder returns an empty builder that submits through a.
func (a *Aggregator) Builder(mode Mode) *Builder {
	return &Builder{agg: a, mode: mode}
}

// Submit drives every target and waits for all of them to resolve or for the
// deadline. Duplicate identities run once and are reported at every position.
func (a *Aggregator) Submit(ctx context.Context, targets []Target, mode Mode) (Outcome, error) {
	switch mode {
	case ModeRegister, ModeConnect, ModeRegisterAndConnect:
	default:
		return Outcome{}, fmt.Errorf("peerset: unknown mode %s", mode)
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if a.cfg.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.Deadline)
	}
	defer cancel()

	first := make(map[identity.ID]int, len(targets))
	unique := make([]int, 0, len(targets))
	for i, tgt := range targets {
		if _, seen := first[tgt.ID]; !seen {
			first[tgt.ID] = i
			unique = append(unique, i)
		}
	}

	var mu sync.Mutex
	pending := make(map[identity.ID]struct{}, len(unique))
	for _, i := range unique {
		pending[targets[i].ID] = struct{}{}
	}
	stop := context.AfterFunc(runCtx, func() {
		mu.Lock()
		n := len(pending)
		mu.Unlock()
		if n > 0 {
			log.Info().Msgf("peerset.Aggregator.Submit deadline passed pending=%d mode=%s", n, mode)
		}
	})
	defer stop()

	results := make([]Result, len(targets))
	var g errgroup.Group
	if a.cfg.MaxConcurrent > 0 {
		g.SetLimit(a.cfg.MaxConcurrent)
	}
	for _, i := range unique {
		tgt := targets[i]
		g.Go(func() error {
			r := a.drive(runCtx, tgt, mode)
			mu.Lock()
			delete(pending, tgt.ID)
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	stop()

	out := Outcome{Results: results, Aggregate: AggregateSuccess}
	for i, tgt := range targets {
		if j := first[tgt.ID]; j != i {
			out.Results[i] = results[j]
			out.Results[i].Target = tgt
		}
		if !out.Results[i].OK() {
			out.Aggregate = AggregatePartialFailure
		}
	}
	log.Debug().Msgf(
		"peerset.Aggregator.Submit done mode=%s targets=%d failed=%d aggregate=%s",
		mode,
		len(targets),
		len(out.Failed()),
		out.Aggregate,
	)
	return out, nil
}

func (a *Aggregator) drive(ctx context.Context, tgt Target, mode Mode) Result {
	r := Result{Target: tgt}
	if err := ctx.Err(); err != nil {
		r.Err = intent.NewError(opFor(mode), tgt.ID, intent.KindCancelled, "deadline passed before start", err)
		return r
	}
	switch mode {
	case ModeRegister:
		out, err := a.intents.Register(ctx, tgt.ID, tgt.Alias)
		if err == nil {
			r.Register = &out
		}
		r.Err = err
	case ModeConnect:
		out, err := a.intents.Connect(ctx, tgt.ID)
		if err == nil {
			r.Connect = &out
		}
		r.Err = err
	case ModeRegisterAndConnect:
		out, err := a.intents.RegisterAndConnect(ctx, tgt.ID, tgt.Alias)
		if err == nil {
			r.Connect = &out
		}
		r.Err = err
	}
	return r
}

func opFor(mode Mode) intent.Op {
	if mode == ModeRegister {
		return intent.OpRegister
	}
	return intent.OpConnect
}

// Builder accumulates targets before a single Submit. Adding peers does no
// network activity.
type Builder struct {
	agg     *Aggregator
	mode    Mode
	targets []Target
}

// AddPeer appends id to the set.
func (b *Builder) AddPeer(id identity.ID, alias string) *Builder {
	b.targets = append(b.targets, Target{ID: id, Alias: alias})
	return b
}

// Targets returns a copy of the accumulated targets.
func (b *Builder) Targets() []Target {
	return append([]Target(nil), b.targets...)
}

func (b *Builder) Len() int { return len(b.targets) }

func (b *Builder) Submit(ctx context.Context) (Outcome, error) {
	return b.agg.Submit(ctx, b.Targets(), b.mode)
}
