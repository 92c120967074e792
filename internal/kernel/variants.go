package kernel

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/intent"
	"github.com/danmuck/peerlink/internal/peerset"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/danmuck/peerlink/internal/transport"
	"github.com/rs/zerolog/log"
)

// Empty issues no intents and completes immediately.
type Empty struct{}

func (Empty) Kind() Kind { return KindEmpty }

func (Empty) Run(context.Context, Remote) error { return nil }

// AcceptListener hands every session opened with the node to Handler. It
// returns when its context is done, the node stops accepting, Limit sessions
// were handled, or Handler fails.
type AcceptListener struct {
	Handler func(ctx context.Context, remote Remote, in transport.Inbound) error
	// Limit stops the listener after this many sessions. Zero means no limit.
	Limit int
}

func (AcceptListener) Kind() Kind { return KindAcceptListener }

func (k AcceptListener) Run(ctx context.Context, remote Remote) error {
	accepted := 0
	inbound := remote.Accept()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			accepted++
			log.Info().Msgf("kernel.AcceptListener accepted remote=%s intent=%s n=%d", in.Ref.Remote, in.Intent, accepted)
			if k.Handler != nil {
				if err := k.Handler(ctx, remote, in); err != nil {
					return fmt.Errorf("kernel: accept handler %s: %w", in.Ref.Remote, err)
				}
			}
			if k.Limit > 0 && accepted >= k.Limit {
				return nil
			}
		}
	}
}

// SingleConnection registers with and connects to Server, retrying timeouts
// and transport failures with backoff, then hands the session to Handler.
type SingleConnection struct {
	Server      identity.ID
	Alias       string
	MaxAttempts int
	Backoff     session.BackoffConfig
	Handler     func(ctx context.Context, remote Remote, server directory.Handle) error
}

func (SingleConnection) Kind() Kind { return KindSingleConnection }

func (k SingleConnection) Run(ctx context.Context, remote Remote) error {
	server := k.Server
	if server == "" {
		server = remote.Server()
	}
	if server == "" {
		return fmt.Errorf("kernel: single connection has no server identity")
	}
	attempts := k.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var out intent.ConnectOutcome
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = remote.RegisterAndConnect(ctx, server, k.Alias)
		if err == nil {
			break
		}
		if !intent.Retryable(err) || attempt == attempts {
			return err
		}
		delay := session.NextBackoffDelay(k.Backoff, attempt, rng)
		log.Warn().Err(err).Msgf("kernel.SingleConnection retry server=%s attempt=%d delay=%s", server, attempt, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	log.Info().Msgf("kernel.SingleConnection connected server=%s ticket=%d", server, out.Ticket)
	if k.Handler == nil {
		return hold(ctx)
	}
	return k.Handler(ctx, remote, out.Handle)
}

// PeerMesh establishes sessions with every peer through the aggregator and
// hands the joint outcome to Handler. With RequireAll a partial failure ends
// the kernel with an error.
type PeerMesh struct {
	Peers      []peerset.Target
	Mode       peerset.Mode
	RequireAll bool
	Handler    func(ctx context.Context, remote Remote, out peerset.Outcome) error
}

func (PeerMesh) Kind() Kind { return KindPeerMesh }

func (k PeerMesh) Run(ctx context.Context, remote Remote) error {
	mode := k.Mode
	if mode == 0 {
		mode = peerset.ModeRegisterAndConnect
	}
	out, err := remote.ConnectSet(ctx, k.Peers, mode)
	if err != nil {
		return err
	}
	if out.Aggregate != peerset.AggregateSuccess {
		failed := out.Failed()
		ids := make([]string, 0, len(failed))
		for _, r := range failed {
			ids = append(ids, fmt.Sprintf("%s(%s)", r.Target.ID, r.Kind()))
		}
		log.Warn().Msgf("kernel.PeerMesh partial failure failed=%s", strings.Join(ids, ","))
		if k.RequireAll {
			return fmt.Errorf("kernel: peer mesh incomplete: %s", strings.Join(ids, ","))
		}
	}
	if k.Handler == nil {
		return hold(ctx)
	}
	return k.Handler(ctx, remote, out)
}

// BroadcastGroup creates Group or joins the one Owner created, depending on
// Request, then hands the outcome to Handler.
type BroadcastGroup struct {
	Group   string
	Owner   identity.ID
	Request session.GroupInitRequestType
	Handler func(ctx context.Context, remote Remote, out GroupOutcome) error
}

func (BroadcastGroup) Kind() Kind { return KindBroadcastGroup }

func (k BroadcastGroup) Run(ctx context.Context, remote Remote) error {
	var out GroupOutcome
	var err error
	switch k.Request {
	case session.GroupInitCreate:
		out, err = remote.CreateGroup(ctx, k.Group)
	case session.GroupInitJoin:
		out, err = remote.JoinGroup(ctx, k.Owner, k.Group)
	default:
		return fmt.Errorf("kernel: broadcast group request %s", k.Request)
	}
	if err != nil {
		return err
	}
	log.Info().Msgf("kernel.BroadcastGroup %s group=%s owner=%s roster=%d", k.Request, out.Group, out.Owner, len(out.Roster))
	if k.Handler == nil {
		return hold(ctx)
	}
	return k.Handler(ctx, remote, out)
}
