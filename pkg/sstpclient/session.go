package sstpclient

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sstpgo/sstpc/pkg/handshakefront"
	"github.com/sstpgo/sstpc/pkg/logging"
	"github.com/sstpgo/sstpc/pkg/pppd"
	"github.com/sstpgo/sstpc/pkg/tunnel"
)

// defaultTeardownGrace bounds how long Session waits for the PPP child to
// exit on its own before killing it.
const defaultTeardownGrace = 5 * time.Second

// Transport is the full collaborator surface Session needs: send/recv,
// peer-certificate inspection, and the buffered reader Recv draws from,
// so the HTTP upgrade in handshakefront can read a status line without
// losing any bytes the frame decoder needs afterward.
type Transport interface {
	Send(b []byte) (int, error)
	Recv(buf []byte) (int, error)
	PeerCertificateDER() []byte
	MaxRecordSize() int
	Close() error
	Reader() *bufio.Reader
}

// SessionConfig bundles everything one SSTP session needs, threaded
// through explicitly rather than living behind package-level state.
type SessionConfig struct {
	// ServerName is used as the HTTP Host header in the upgrade request.
	ServerName string
	// Password is the inner MS-CHAPv2 secret: it authenticates the
	// spawned PPP daemon and is also an input to the Compound MAC.
	Password string
	// PPP describes how to spawn the PPP daemon.
	PPP pppd.Config
	// RetryBudget overrides the default CALL_CONNECT_REQUEST retry
	// budget (initial send plus retries). Zero means InitialRetryBudget.
	RetryBudget int
	// TeardownGrace bounds how long to wait for the PPP child to exit
	// before killing it during teardown. Zero means defaultTeardownGrace.
	TeardownGrace time.Duration
}

func (c SessionConfig) teardownGrace() time.Duration {
	if c.TeardownGrace > 0 {
		return c.TeardownGrace
	}
	return defaultTeardownGrace
}

// Session owns every moving part of one SSTP connection: the state
// machine, the crypto-binding context, the uplink/downlink pumps, and the
// spawned PPP child. It is the single value the rest of the program
// threads through, replacing any notion of package-level singletons.
type Session struct {
	cfg       SessionConfig
	log       *logging.Logger
	transport Transport
	sender    *tunnel.SerializedSender
	timers    *RealTimers
	chap      *ChapContext
	sm        *StateMachine
	pump      *tunnel.Pump

	// pppMu guards ppp and torn together, so the ConnectAckReceived hook
	// (which spawns pppd and attaches it to the pump) and teardownSequence
	// (which stops pppd and joins the pump) can never race: whichever of
	// the two acquires pppMu first fully determines what the other must
	// do, instead of both independently racing pppd.Start/pump.AttachPPP
	// against pump.Stop.
	pppMu sync.Mutex
	ppp   *pppd.Supervisor
	torn  bool

	done      chan struct{}
	stopOnce  sync.Once
	exitErrMu sync.Mutex
	exitErr   error
}

// NewSession wires the state machine, its timers, and the tunnel pump to
// transport but does not yet spawn the PPP child or start anything; call
// Run to do that. The PPP child is not spawned until the state machine
// reaches ConnectAckReceived (see onConnectAckReceived).
func NewSession(cfg SessionConfig, transport Transport, log *logging.Logger) *Session {
	chap := &ChapContext{}
	sender := tunnel.NewSerializedSender(transport)

	sess := &Session{
		cfg:       cfg,
		log:       log,
		transport: transport,
		sender:    sender,
		chap:      chap,
		done:      make(chan struct{}),
	}

	var sm *StateMachine
	timers := NewRealTimers(NegotiationTimeout, HelloTimeout,
		func() {
			if err := sm.HandleNegotiationTimeout(); err != nil && log != nil {
				log.Error("negotiation timer expired", logging.Fields{"error": err.Error()})
			}
		},
		func() {
			if err := sm.HandleHelloTimeout(); err != nil && log != nil {
				log.Error("hello timer expired", logging.Fields{"error": err.Error()})
			}
		},
	)
	sm = New(sender, timers, transport.PeerCertificateDER, cfg.Password, cfg.RetryBudget, chap, log, sess.onTeardown, sess.onConnectAckReceived)

	sess.timers = timers
	sess.sm = sm
	sess.pump = tunnel.New(transport, sender, sm, chap, log, sess.onPumpFatal)
	return sess
}

// State returns the state machine's current state.
func (s *Session) State() State {
	return s.sm.State()
}

// Run performs the HTTP upgrade and starts the downlink pump and the
// state machine, then blocks until the session tears down or ctx is
// canceled. The PPP child is spawned later, asynchronously, once the
// state machine reaches ConnectAckReceived.
func (s *Session) Run(ctx context.Context) error {
	if err := handshakefront.Perform(s.transport, s.transport.Reader(), s.cfg.ServerName); err != nil {
		return fmt.Errorf("sstpclient: handshake front: %w", err)
	}

	s.pump.Start()

	if err := s.sm.Start(); err != nil {
		return fmt.Errorf("sstpclient: starting state machine: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = s.sm.ForceTeardown(ctx.Err())
		<-s.done
		return ctx.Err()
	case <-s.done:
		return s.currentExitErr()
	}
}

func (s *Session) currentExitErr() error {
	s.exitErrMu.Lock()
	defer s.exitErrMu.Unlock()
	return s.exitErr
}

// onConnectAckReceived is the StateMachine's hook for reaching
// ConnectAckReceived (§4.3): only once the server has acknowledged the
// call and supplied its CryptoBindingReq does sstpc spawn pppd and start
// relaying PPP frames, matching the reference client's behavior of
// forking pppd on CALL_CONNECT_ACK rather than racing it against
// negotiation. It runs in its own goroutine since the state machine
// invokes it while still holding its own lock, and spawning pppd can
// block.
func (s *Session) onConnectAckReceived() {
	go s.startPPP()
}

func (s *Session) startPPP() {
	sup, err := pppd.Start(s.cfg.PPP)
	if err != nil {
		_ = s.sm.ForceTeardown(fmt.Errorf("sstpclient: spawning pppd: %w", err))
		return
	}

	s.pppMu.Lock()
	if s.torn {
		s.pppMu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.teardownGrace())
		_ = sup.Stop(stopCtx, s.cfg.teardownGrace())
		cancel()
		return
	}
	s.ppp = sup
	s.pump.AttachPPP(sup.Master())
	s.pppMu.Unlock()
}

// onTeardown is the StateMachine's teardown hook (§5's cancellation
// sequence): stop the uplink pump, signal the PPP child, wait, then
// close the transport. It records reason and starts that sequence, once,
// in its own goroutine, since the state machine invokes it while still
// holding its own lock.
func (s *Session) onTeardown(reason error) {
	s.exitErrMu.Lock()
	s.exitErr = reason
	s.exitErrMu.Unlock()

	s.stopOnce.Do(func() {
		go s.teardownSequence()
	})
}

// onPumpFatal is called by the tunnel pumps when either direction hits an
// unrecoverable I/O error. It routes the failure through the state
// machine so a single teardown path (and a single CALL_DISCONNECT
// attempt) is always exercised.
func (s *Session) onPumpFatal(err error) {
	_ = s.sm.ForceTeardown(fmt.Errorf("sstpclient: %w", err))
}

func (s *Session) teardownSequence() {
	s.pump.StopUplink()

	s.pppMu.Lock()
	s.torn = true
	sup := s.ppp
	s.pppMu.Unlock()

	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.teardownGrace())
		if err := sup.Stop(ctx, s.cfg.teardownGrace()); err != nil && s.log != nil {
			s.log.Warn("pppd did not exit cleanly", logging.Fields{"error": err.Error()})
		}
		cancel()
	}

	// Closing the transport before the final pump join unblocks any
	// downlink Recv still blocked waiting on the peer, so pump.Stop below
	// does not deadlock on a read that will never return on its own.
	_ = s.transport.Close()

	s.pump.Stop()

	close(s.done)
}
