package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/peerlink/internal/accounts"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/schema"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const tcpQueueSize = 256

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	Local identity.ID
	// ListenAddr is where remote identities reach us. Empty disables the
	// listener.
	ListenAddr string
	// AdvertiseAddr overrides the address handed to remote identities.
	AdvertiseAddr string
	// Peers maps remote identities to dial addresses.
	Peers   map[identity.ID]string
	Session session.Config
	// Store answers handshakes opened against us. Nil accepts every identity.
	Store accounts.Store
}

type tcpConn struct {
	ref     Ref
	conn    net.Conn
	cipher  *Cipher
	writeMu sync.Mutex
}

// TCP is a Transport over framed TCP (optionally TLS) connections. Control
// traffic after the handshake is sealed with a per-session X25519 key.
type TCP struct {
	cfg       TCPConfig
	clientTLS *tls.Config
	serverTLS *tls.Config
	listener  net.Listener

	msgID atomic.Uint64

	mu     sync.Mutex
	peers  map[identity.ID]string
	conns  map[string]*tcpConn
	closed bool

	inbound chan Inbound
	signals chan Signal
	wg      sync.WaitGroup
}

// NewTCP validates cfg, starts the listener when configured and returns the
// transport.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	cfg.Session = cfg.Session.WithDefaults()
	clientTLS, err := cfg.Session.ClientTLS()
	if err != nil {
		return nil, err
	}
	t := &TCP{
		cfg:       cfg,
		clientTLS: clientTLS,
		peers:     make(map[identity.ID]string, len(cfg.Peers)),
		conns:     make(map[string]*tcpConn),
		inbound:   make(chan Inbound, tcpQueueSize),
		signals:   make(chan Signal, tcpQueueSize),
	}
	for id, addr := range cfg.Peers {
		t.peers[id] = addr
	}
	if cfg.ListenAddr != "" {
		serverTLS, err := cfg.Session.ServerTLS()
		if err != nil {
			return nil, err
		}
		t.serverTLS = serverTLS
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: listen %s: %v", ErrTransport, cfg.ListenAddr, err)
		}
		if serverTLS != nil {
			ln = tls.NewListener(ln, serverTLS)
		}
		t.listener = ln
		t.wg.Add(1)
		go t.acceptLoop()
		log.Info().Msgf("transport.TCP listening id=%s addr=%s tls=%v", cfg.Local, ln.Addr(), serverTLS != nil)
	}
	return t, nil
}

func (t *TCP) Inbound() <-chan Inbound { return t.inbound }

func (t *TCP) Signals() <-chan Signal { return t.signals }

func (t *TCP) Addr() string {
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return ""
}

// AddPeer records or replaces the dial address for id.
func (t *TCP) AddPeer(id identity.ID, addr string) {
	if addr == "" {
		return
	}
	t.mu.Lock()
	t.peers[id] = addr
	t.mu.Unlock()
}

func (t *TCP) OpenSession(ctx context.Context, req Request) (Ref, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Ref{}, ErrClosed
	}
	addr, ok := t.peers[req.Remote]
	t.mu.Unlock()
	if !ok {
		return Ref{}, fmt.Errorf("%w: no address for %s", ErrTransport, req.Remote)
	}

	dialer := net.Dialer{Timeout: t.cfg.Session.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Ref{}, ctxErr
		}
		return Ref{}, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	conn := raw
	if t.clientTLS != nil {
		tlsCfg := t.clientTLS
		if tlsCfg.ServerName == "" {
			tlsCfg = tlsCfg.Clone()
			if host, _, err := net.SplitHostPort(addr); err == nil {
				tlsCfg.ServerName = host
			}
		}
		conn = tls.Client(raw, tlsCfg)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ref, c, err := t.clientHandshake(conn, req)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Ref{}, ctxErr
		}
		return Ref{}, err
	}
	if !stop() {
		_ = conn.Close()
		return Ref{}, ctx.Err()
	}
	if req.Intent == IntentRegister {
		_ = conn.Close()
		return ref, nil
	}
	if err := t.track(c); err != nil {
		_ = conn.Close()
		return Ref{}, err
	}
	return ref, nil
}

func (t *TCP) clientHandshake(conn net.Conn, req Request) (Ref, *tcpConn, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return Ref{}, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(t.cfg.Session.HandshakeTimeout))
	hs := session.Handshake{
		LocalID:   t.cfg.Local,
		RemoteID:  req.Remote,
		Alias:     req.Alias,
		PublicKey: kp.Public[:],
	}
	msg := session.ConnectMessage(hs)
	if req.Intent == IntentRegister {
		msg = session.RegisterMessage(hs)
	}
	if err := session.WriteMessage(conn, t.msgID.Add(1), msg); err != nil {
		return Ref{}, nil, fmt.Errorf("%w: write handshake: %v", ErrTransport, err)
	}
	_, reply, err := session.ReadMessage(conn, frame.DefaultLimits())
	if err != nil {
		return Ref{}, nil, fmt.Errorf("%w: read ack: %v", ErrTransport, err)
	}
	if reply.Ack == nil {
		return Ref{}, nil, fmt.Errorf("%w: unexpected reply message_type=%d", ErrTransport, reply.Type)
	}
	if err := errorFromAck(*reply.Ack); err != nil {
		return Ref{}, nil, err
	}
	if reply.Ack.RemoteID != req.Remote {
		return Ref{}, nil, Reject(fmt.Sprintf("answered by %s", reply.Ack.RemoteID))
	}
	_ = conn.SetDeadline(time.Time{})

	ref := Ref{
		ID:       uuid.NewString(),
		Remote:   req.Remote,
		Role:     req.Role,
		CID:      reply.Ack.CID,
		OpenedAt: time.Now().UTC(),
	}
	if req.Intent == IntentRegister {
		return ref, nil, nil
	}
	c, err := kp.SessionCipher(reply.Ack.PublicKey)
	if err != nil {
		return Ref{}, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return ref, &tcpConn{ref: ref, conn: conn, cipher: c}, nil
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msgf("transport.TCP.acceptLoop accept failed id=%s", t.cfg.Local)
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *TCP) serveConn(conn net.Conn) {
	defer t.wg.Done()
	_ = conn.SetDeadline(time.Now().Add(t.cfg.Session.HandshakeTimeout))
	reqID, msg, err := session.ReadMessage(conn, frame.DefaultLimits())
	if err != nil {
		log.Debug().Err(err).Msgf("transport.TCP.serveConn handshake read failed remote=%s", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	if msg.Handshake == nil {
		log.Warn().Msgf("transport.TCP.serveConn unexpected message_type=%d remote=%s", msg.Type, conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	hs := *msg.Handshake
	intent := IntentConnect
	if msg.Type == schema.MsgRegister {
		intent = IntentRegister
	}

	var ack session.HandshakeAck
	var kp KeyPair
	if hs.RemoteID != t.cfg.Local {
		ack = session.HandshakeAck{
			Status:      session.AckStatusRejected,
			Code:        session.AckCodeRejected,
			Message:     fmt.Sprintf("not %s", hs.RemoteID),
			RemoteID:    t.cfg.Local,
			TimestampMS: uint64(time.Now().UnixMilli()),
		}
	} else {
		ack = answerHandshake(t.cfg.Store, t.cfg.Local, intent, hs.LocalID, hs.Alias)
	}
	if ack.Accepted() {
		kp, err = GenerateKeyPair()
		if err != nil {
			log.Error().Err(err).Msg("transport.TCP.serveConn keypair failed")
			_ = conn.Close()
			return
		}
		ack.PublicKey = kp.Public[:]
	}
	if err := session.WriteMessage(conn, reqID, session.AckMessage(msg.Type, ack)); err != nil {
		log.Debug().Err(err).Msgf("transport.TCP.serveConn ack write failed remote=%s", hs.LocalID)
		_ = conn.Close()
		return
	}
	if !ack.Accepted() {
		log.Info().Msgf("transport.TCP.serveConn refused remote=%s intent=%s code=%d", hs.LocalID, intent, ack.Code)
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	ref := Ref{
		ID:       uuid.NewString(),
		Remote:   hs.LocalID,
		Role:     identity.RolePeer,
		CID:      ack.CID,
		OpenedAt: time.Now().UTC(),
	}
	in := Inbound{Ref: ref, Intent: intent, Alias: hs.Alias, Addr: conn.RemoteAddr().String()}
	if intent == IntentRegister {
		_ = conn.Close()
		t.emitInbound(in)
		return
	}
	c, err := kp.SessionCipher(hs.PublicKey)
	if err != nil {
		log.Warn().Err(err).Msgf("transport.TCP.serveConn key agreement failed remote=%s", hs.LocalID)
		_ = conn.Close()
		return
	}
	if err := t.track(&tcpConn{ref: ref, conn: conn, cipher: c}); err != nil {
		_ = conn.Close()
		return
	}
	t.emitInbound(in)
}

// track registers an established connection and starts its reader.
func (t *TCP) track(c *tcpConn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.conns[c.ref.ID] = c
	t.wg.Add(1)
	go t.readLoop(c)
	return nil
}

func (t *TCP) untrack(id string) (*tcpConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	if ok {
		delete(t.conns, id)
	}
	return c, ok
}

func (t *TCP) readLoop(c *tcpConn) {
	defer t.wg.Done()
	for {
		_, msg, err := session.ReadMessage(c.conn, frame.DefaultLimits())
		if err != nil {
			if _, ok := t.untrack(c.ref.ID); ok {
				_ = c.conn.Close()
				t.emitSignal(Signal{Kind: SignalClosed, From: c.ref, Reason: "connection lost"})
			}
			return
		}
		inner, err := c.cipher.Open(msg)
		if err != nil {
			log.Warn().Err(err).Msgf("transport.TCP.readLoop dropped message remote=%s", c.ref.Remote)
			continue
		}
		if inner.Type == schema.MsgDisconnect {
			if inner.Disconnect.Reason == DeregisterReason && t.cfg.Store != nil {
				if err := t.cfg.Store.Remove(c.ref.Remote); err != nil {
					log.Warn().Err(err).Msgf("transport.TCP.readLoop deregister failed remote=%s", c.ref.Remote)
				}
			}
			if _, ok := t.untrack(c.ref.ID); ok {
				_ = c.conn.Close()
				t.emitSignal(Signal{Kind: SignalClosed, From: c.ref, Reason: inner.Disconnect.Reason})
			}
			return
		}
		sig, err := signalFromMessage(c.ref, inner)
		if err != nil {
			log.Warn().Err(err).Msgf("transport.TCP.readLoop unexpected message remote=%s", c.ref.Remote)
			continue
		}
		t.emitSignal(sig)
	}
}

func (t *TCP) Send(ctx context.Context, ref Ref, msg session.Message) error {
	t.mu.Lock()
	c, ok := t.conns[ref.ID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, ref.ID)
	}
	return t.write(ctx, c, msg)
}

func (t *TCP) write(ctx context.Context, c *tcpConn, msg session.Message) error {
	sealed, err := c.cipher.Seal(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.cfg.Session.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := session.WriteMessage(c.conn, t.msgID.Add(1), sealed); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

func (t *TCP) CloseSession(ref Ref) error {
	c, ok := t.untrack(ref.ID)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Session.WriteTimeout)
	defer cancel()
	if err := t.write(ctx, c, session.DisconnectMessage("closed by peer")); err != nil {
		log.Debug().Err(err).Msgf("transport.TCP.CloseSession notify failed remote=%s", ref.Remote)
	}
	return c.conn.Close()
}

// Deregister asks remote to drop our account over the live session and
// closes it.
func (t *TCP) Deregister(ctx context.Context, remote identity.ID) error {
	t.mu.Lock()
	var target *tcpConn
	for _, c := range t.conns {
		if c.ref.Remote == remote {
			target = c
			break
		}
	}
	t.mu.Unlock()
	if target == nil {
		return nil
	}
	if _, ok := t.untrack(target.ref.ID); !ok {
		return nil
	}
	err := t.write(ctx, target, session.DisconnectMessage(DeregisterReason))
	_ = target.conn.Close()
	return err
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpConn, 0, len(t.conns))
	for id, c := range t.conns {
		conns = append(conns, c)
		delete(t.conns, id)
	}
	t.mu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = t.write(ctx, c, session.DisconnectMessage("peer shut down"))
		cancel()
		_ = c.conn.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	close(t.inbound)
	close(t.signals)
	t.mu.Unlock()
	log.Info().Msgf("transport.TCP closed id=%s", t.cfg.Local)
	return nil
}

func (t *TCP) emitInbound(in Inbound) {
	select {
	case t.inbound <- in:
	default:
		log.Warn().Msgf("transport.TCP inbound queue full dropped=%s", in.Ref.Remote)
	}
}

func (t *TCP) emitSignal(sig Signal) {
	select {
	case t.signals <- sig:
	default:
		log.Warn().Msgf("transport.TCP signal queue full kind=%s", sig.Kind)
	}
}
