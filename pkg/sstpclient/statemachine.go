// Package sstpclient drives the SSTP client handshake state machine:
// negotiation, cryptographic binding, keepalive, and teardown.
package sstpclient

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sstpgo/sstpc/pkg/cryptobinding"
	"github.com/sstpgo/sstpc/pkg/logging"
	"github.com/sstpgo/sstpc/pkg/sstpframe"
)

// Sentinel errors from the §7 taxonomy that the StateMachine itself can
// produce. Framing and crypto errors are defined in their own packages
// and surface here wrapped with %w.
var (
	ErrProtocolViolation     = errors.New("sstpclient: protocol violation")
	ErrRetryBudgetExhausted  = errors.New("sstpclient: retry budget exhausted")
	ErrNegotiationTimeout    = errors.New("sstpclient: negotiation timer expired")
	ErrHelloTimeout          = errors.New("sstpclient: hello timer expired")
	ErrCallAborted           = errors.New("sstpclient: received CALL_ABORT")
	ErrPppAuthWithoutCapture = errors.New("sstpclient: ppp auth success without a captured CHAP response")
)

// FrameSender emits a control message over the tunnel's encrypted
// transport. Implementations must serialize concurrent sends themselves
// (§5: the TLS transport is shared and must not interleave partial
// frames).
type FrameSender interface {
	SendControl(msgType sstpframe.MessageType, attrs []sstpframe.Attribute) error
}

// Timers arms and disarms the two one-shot timers the state machine
// drives. At most one of Negotiation/Hello is armed at any time. Firing
// is delivered back to the StateMachine via HandleNegotiationTimeout /
// HandleHelloTimeout, not through this interface.
type Timers interface {
	ArmNegotiation()
	DisarmNegotiation()
	ArmHello()
	DisarmHello()
}

// StateMachine drives a single SSTP session through the states described
// in §4.3. All exported methods are safe for concurrent use; the
// downlink pump calls the frame and PPP-auth handlers, the timer
// callbacks call the timeout handlers, and the uplink pump never touches
// the state machine directly.
type StateMachine struct {
	mu sync.Mutex

	ctx  *ClientContext
	chap *ChapContext

	sender      FrameSender
	timers      Timers
	peerCertDER func() []byte
	password    string
	log         *logging.Logger

	teardownOnce sync.Once
	onTeardown   func(reason error)

	onConnectAckReceived func()
}

// New creates a StateMachine ready to Start(). retryBudget overrides the
// default CALL_CONNECT_REQUEST retry budget (§9 open question); pass 0 to
// use InitialRetryBudget. onTeardown, if non-nil, is invoked exactly once
// when the session first tears down; it is the orchestration layer's hook
// to stop the uplink pump, signal the PPP child, and close the TLS
// transport (§5's cancellation sequence). onConnectAckReceived, if
// non-nil, is invoked once the crypto binding request is processed and
// the state transitions to ConnectAckReceived; it is the orchestration
// layer's hook to spawn the PPP child only once negotiation has actually
// succeeded, rather than racing it against the handshake.
func New(sender FrameSender, timers Timers, peerCertDER func() []byte, password string, retryBudget int, chap *ChapContext, log *logging.Logger, onTeardown func(reason error), onConnectAckReceived func()) *StateMachine {
	return &StateMachine{
		ctx:                  NewClientContext(retryBudget),
		chap:                 chap,
		sender:               sender,
		timers:               timers,
		peerCertDER:          peerCertDER,
		password:             password,
		log:                  log,
		onTeardown:           onTeardown,
		onConnectAckReceived: onConnectAckReceived,
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctx.State
}

// Start sends the initial CALL_CONNECT_REQUEST and arms the negotiation
// timer.
func (sm *StateMachine) Start() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctx.State != StateDisconnected {
		return fmt.Errorf("sstpclient: Start called from state %s", sm.ctx.State)
	}
	if err := sm.sendConnectRequestLocked(); err != nil {
		return sm.teardownLocked(err)
	}
	sm.ctx.State = StateConnectRequestSent
	sm.timers.ArmNegotiation()
	sm.ctx.NegotiationArmed = true
	return nil
}

// HandleControlFrame dispatches a decoded control frame per the §4.3
// transition table.
func (sm *StateMachine) HandleControlFrame(frame sstpframe.Frame) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctx.State == StateDisconnected {
		return nil
	}

	switch frame.MessageType {
	case sstpframe.MessageTypeCallConnectRequest, sstpframe.MessageTypeCallDisconnectAck:
		return sm.protocolViolationLocked(fmt.Errorf("unexpected %s received in %s", frame.MessageType, sm.ctx.State))
	case sstpframe.MessageTypeCallDisconnect:
		_ = sm.sendLocked(sstpframe.MessageTypeCallDisconnectAck, nil)
		return sm.teardownLocked(nil)
	case sstpframe.MessageTypeCallAbort:
		if sm.log != nil {
			sm.log.Warn("received CALL_ABORT from peer")
		}
		return sm.teardownLocked(ErrCallAborted)
	}

	switch sm.ctx.State {
	case StateConnectRequestSent:
		return sm.handleConnectRequestSentLocked(frame)
	case StateConnectAckReceived:
		return sm.protocolViolationLocked(fmt.Errorf("unexpected %s received in %s", frame.MessageType, sm.ctx.State))
	case StateCallConnected:
		return sm.handleCallConnectedLocked(frame)
	default:
		return nil
	}
}

func (sm *StateMachine) handleConnectRequestSentLocked(frame sstpframe.Frame) error {
	for _, a := range frame.Attributes {
		if a.ID == sstpframe.AttributeIDCryptoBindingReq {
			return sm.handleCryptoBindingReqLocked(a.Value)
		}
	}
	if frame.MessageType == sstpframe.MessageTypeCallConnectNak {
		return sm.handleConnectNakLocked()
	}
	return sm.protocolViolationLocked(fmt.Errorf("unexpected %s received in %s", frame.MessageType, sm.ctx.State))
}

// cryptoBindingReqValueLen is the fixed length of a CryptoBindingReq
// attribute value: reserved(3) + hash_bitmask(1) + nonce(32).
const cryptoBindingReqValueLen = 3 + 1 + cryptobinding.FieldSize

func (sm *StateMachine) handleCryptoBindingReqLocked(value []byte) error {
	if len(value) != cryptoBindingReqValueLen {
		return sm.protocolViolationLocked(fmt.Errorf("malformed CryptoBindingReq value length %d", len(value)))
	}

	bitmask := value[3]
	alg, err := cryptobinding.SelectHashAlgorithm(bitmask)
	if err != nil {
		return sm.teardownLocked(fmt.Errorf("sstpclient: %w", err))
	}
	sm.ctx.HashAlgorithm = alg
	copy(sm.ctx.Nonce[:], value[4:])

	certHash, err := cryptobinding.CertHash(alg, sm.peerCertDER())
	if err != nil {
		return sm.teardownLocked(fmt.Errorf("sstpclient: cert hash: %w", err))
	}
	sm.ctx.CertHash = certHash

	sm.timers.DisarmNegotiation()
	sm.ctx.NegotiationArmed = false
	sm.ctx.State = StateConnectAckReceived
	if sm.onConnectAckReceived != nil {
		sm.onConnectAckReceived()
	}
	return nil
}

func (sm *StateMachine) handleConnectNakLocked() error {
	if sm.ctx.RetryRemaining <= 0 {
		return sm.teardownLocked(fmt.Errorf("sstpclient: %w", ErrRetryBudgetExhausted))
	}
	sm.ctx.RetryRemaining--
	sm.timers.DisarmNegotiation()
	if err := sm.sendConnectRequestLocked(); err != nil {
		return sm.teardownLocked(err)
	}
	sm.timers.ArmNegotiation()
	sm.ctx.NegotiationArmed = true
	return nil
}

func (sm *StateMachine) handleCallConnectedLocked(frame sstpframe.Frame) error {
	switch frame.MessageType {
	case sstpframe.MessageTypeEchoRequest:
		return sm.sendLocked(sstpframe.MessageTypeEchoResponse, nil)
	case sstpframe.MessageTypeEchoResponse:
		sm.timers.DisarmHello()
		sm.ctx.HelloArmed = false
		return nil
	default:
		return sm.protocolViolationLocked(fmt.Errorf("unexpected %s received in %s", frame.MessageType, sm.ctx.State))
	}
}

// HandlePppAuthSuccess is called by the downlink pump when it observes a
// PPP-CHAP success frame in the data stream. It finalizes the CMAC,
// sends CALL_CONNECTED, arms the hello timer, and sends the first
// ECHO_REQUEST.
func (sm *StateMachine) HandlePppAuthSuccess() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctx.State != StateConnectAckReceived {
		return sm.protocolViolationLocked(fmt.Errorf("ppp auth success observed in %s", sm.ctx.State))
	}
	if !sm.chap.Captured() {
		return sm.teardownLocked(ErrPppAuthWithoutCapture)
	}

	cmk, cmac, err := cryptobinding.Derive(sm.ctx.HashAlgorithm, sm.password, sm.chap.Get(), sm.ctx.Nonce, sm.ctx.CertHash)
	if err != nil {
		return sm.teardownLocked(fmt.Errorf("sstpclient: cmac derivation: %w", err))
	}
	sm.ctx.CMK = cmk
	sm.ctx.CMAC = cmac

	bindingValue := make([]byte, 0, cryptoBindingReqValueLen+2*cryptobinding.FieldSize)
	bindingValue = append(bindingValue, 0, 0, 0, byte(sm.ctx.HashAlgorithm))
	bindingValue = append(bindingValue, sm.ctx.Nonce[:]...)
	bindingValue = append(bindingValue, sm.ctx.CertHash[:]...)
	bindingValue = append(bindingValue, sm.ctx.CMAC[:]...)

	if err := sm.sendLocked(sstpframe.MessageTypeCallConnected, []sstpframe.Attribute{
		{ID: sstpframe.AttributeIDCryptoBinding, Value: bindingValue},
	}); err != nil {
		return sm.teardownLocked(err)
	}

	sm.ctx.State = StateCallConnected
	sm.timers.ArmHello()
	sm.ctx.HelloArmed = true

	return sm.sendLocked(sstpframe.MessageTypeEchoRequest, nil)
}

// ForceTeardown tears the session down for a reason observed outside the
// frame/timeout event set, such as a fatal transport or child-process
// error surfaced by the tunnel pumps. A no-op once already Disconnected.
func (sm *StateMachine) ForceTeardown(reason error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctx.State == StateDisconnected {
		return reason
	}
	return sm.teardownLocked(reason)
}

// HandleNegotiationTimeout is called when the negotiation timer fires.
func (sm *StateMachine) HandleNegotiationTimeout() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ctx.NegotiationArmed = false
	return sm.teardownLocked(ErrNegotiationTimeout)
}

// HandleHelloTimeout is called when the hello (echo keepalive) timer
// fires.
func (sm *StateMachine) HandleHelloTimeout() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ctx.HelloArmed = false
	return sm.teardownLocked(ErrHelloTimeout)
}

func (sm *StateMachine) sendConnectRequestLocked() error {
	return sm.sendLocked(sstpframe.MessageTypeCallConnectRequest, []sstpframe.Attribute{
		{ID: sstpframe.AttributeIDEncapsulatedProtocol, Value: encodeUint16(sstpframe.EncapsulatedProtocolPPP)},
	})
}

func encodeUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func (sm *StateMachine) sendLocked(msgType sstpframe.MessageType, attrs []sstpframe.Attribute) error {
	if err := sm.sender.SendControl(msgType, attrs); err != nil {
		return fmt.Errorf("sstpclient: send %s: %w", msgType, err)
	}
	return nil
}

func (sm *StateMachine) protocolViolationLocked(detail error) error {
	return sm.teardownLocked(fmt.Errorf("%w: %v", ErrProtocolViolation, detail))
}

// teardownLocked transitions to Disconnected, sends CALL_DISCONNECT if
// not already sent this session, and invokes onTeardown exactly once.
// The caller must hold sm.mu. Per the decided reading of an open
// question, CALL_DISCONNECT is sent unconditionally here even if the
// peer's own CALL_DISCONNECT is what triggered this teardown.
func (sm *StateMachine) teardownLocked(reason error) error {
	sm.ctx.State = StateDisconnected
	sm.timers.DisarmNegotiation()
	sm.timers.DisarmHello()
	sm.ctx.NegotiationArmed = false
	sm.ctx.HelloArmed = false

	sm.teardownOnce.Do(func() {
		if !sm.ctx.DisconnectSent {
			_ = sm.sendLocked(sstpframe.MessageTypeCallDisconnect, nil)
			sm.ctx.DisconnectSent = true
		}
		if sm.log != nil {
			if reason != nil {
				sm.log.Error("session torn down", logging.Fields{"reason": reason.Error()})
			} else {
				sm.log.Info("session torn down")
			}
		}
		if sm.onTeardown != nil {
			sm.onTeardown(reason)
		}
	})
	return reason
}
