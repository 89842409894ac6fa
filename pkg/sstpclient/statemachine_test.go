package sstpclient

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstpgo/sstpc/pkg/cryptobinding"
	"github.com/sstpgo/sstpc/pkg/sstpframe"
)

type sentFrame struct {
	msgType sstpframe.MessageType
	attrs   []sstpframe.Attribute
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeSender) SendControl(msgType sstpframe.MessageType, attrs []sstpframe.Attribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{msgType: msgType, attrs: attrs})
	return nil
}

func (f *fakeSender) countOf(msgType sstpframe.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.msgType == msgType {
			n++
		}
	}
	return n
}

type fakeTimers struct {
	negotiationArmed bool
	helloArmed       bool
	negotiationArms  int
}

func (t *fakeTimers) ArmNegotiation()    { t.negotiationArmed = true; t.negotiationArms++ }
func (t *fakeTimers) DisarmNegotiation() { t.negotiationArmed = false }
func (t *fakeTimers) ArmHello()          { t.helloArmed = true }
func (t *fakeTimers) DisarmHello()       { t.helloArmed = false }

func newTestMachine() (*StateMachine, *fakeSender, *fakeTimers, *ChapContext) {
	sender := &fakeSender{}
	timers := &fakeTimers{}
	chap := &ChapContext{}
	sm := New(sender, timers, func() []byte { return []byte("peer-cert-der") }, "password", 0, chap, nil, nil, nil)
	return sm, sender, timers, chap
}

func TestStartSendsConnectRequestAndArmsNegotiation(t *testing.T) {
	sm, sender, timers, _ := newTestMachine()

	require.NoError(t, sm.Start())

	assert.Equal(t, StateConnectRequestSent, sm.State())
	assert.True(t, timers.negotiationArmed)
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeCallConnectRequest))
}

func TestCryptoBindingReqTransitionsToConnectAckReceived(t *testing.T) {
	sm, _, timers, _ := newTestMachine()
	require.NoError(t, sm.Start())

	value := make([]byte, 0, 36)
	value = append(value, 0, 0, 0, 0x02) // hash_bitmask = SHA-256
	var nonce [32]byte
	for i := range nonce {
		nonce[i] = 0x55
	}
	value = append(value, nonce[:]...)

	frame := sstpframe.Frame{
		Type:        sstpframe.FrameTypeControl,
		MessageType: sstpframe.MessageTypeCallConnectAck,
		Attributes:  []sstpframe.Attribute{{ID: sstpframe.AttributeIDCryptoBindingReq, Value: value}},
	}

	require.NoError(t, sm.HandleControlFrame(frame))
	assert.Equal(t, StateConnectAckReceived, sm.State())
	assert.False(t, timers.negotiationArmed)

	sm.mu.Lock()
	assert.Equal(t, cryptobinding.HashAlgorithmSHA256, sm.ctx.HashAlgorithm)
	assert.Equal(t, nonce, sm.ctx.Nonce)
	sm.mu.Unlock()
}

func TestCryptoBindingReqFiresOnConnectAckReceivedHook(t *testing.T) {
	sender := &fakeSender{}
	timers := &fakeTimers{}
	chap := &ChapContext{}
	var fired int
	var mu sync.Mutex
	sm := New(sender, timers, func() []byte { return []byte("peer-cert-der") }, "password", 0, chap, nil, nil, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	require.NoError(t, sm.Start())

	value := make([]byte, 0, 36)
	value = append(value, 0, 0, 0, 0x02)
	value = append(value, make([]byte, 32)...)
	frame := sstpframe.Frame{
		Type:        sstpframe.FrameTypeControl,
		MessageType: sstpframe.MessageTypeCallConnectAck,
		Attributes:  []sstpframe.Attribute{{ID: sstpframe.AttributeIDCryptoBindingReq, Value: value}},
	}
	require.NoError(t, sm.HandleControlFrame(frame))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
}

func TestRetryBudgetAllowsExactlyFiveTotalConnectRequests(t *testing.T) {
	sm, sender, _, _ := newTestMachine()
	require.NoError(t, sm.Start())
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeCallConnectRequest))

	nak := sstpframe.Frame{Type: sstpframe.FrameTypeControl, MessageType: sstpframe.MessageTypeCallConnectNak}

	// Four NAKs should each trigger a resend, keeping the machine in
	// ConnectRequestSent.
	for i := 0; i < 4; i++ {
		require.NoError(t, sm.HandleControlFrame(nak))
		assert.Equal(t, StateConnectRequestSent, sm.State())
	}
	assert.Equal(t, 5, sender.countOf(sstpframe.MessageTypeCallConnectRequest))

	// The fifth NAK exhausts the retry budget and tears the session down.
	err := sm.HandleControlFrame(nak)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryBudgetExhausted))
	assert.Equal(t, StateDisconnected, sm.State())
	assert.Equal(t, 5, sender.countOf(sstpframe.MessageTypeCallConnectRequest))
}

func TestRetryBudgetHonorsConfiguredValueBelowDefault(t *testing.T) {
	sender := &fakeSender{}
	timers := &fakeTimers{}
	chap := &ChapContext{}
	sm := New(sender, timers, func() []byte { return []byte("peer-cert-der") }, "password", 2, chap, nil, nil, nil)

	require.NoError(t, sm.Start())
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeCallConnectRequest))

	nak := sstpframe.Frame{Type: sstpframe.FrameTypeControl, MessageType: sstpframe.MessageTypeCallConnectNak}
	require.NoError(t, sm.HandleControlFrame(nak))
	assert.Equal(t, 2, sender.countOf(sstpframe.MessageTypeCallConnectRequest))

	err := sm.HandleControlFrame(nak)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryBudgetExhausted))
	assert.Equal(t, StateDisconnected, sm.State())
}

func TestRetryBudgetAboveCeilingIsClamped(t *testing.T) {
	ctx := NewClientContext(100)
	assert.Equal(t, InitialRetryBudget-1, ctx.RetryRemaining)
}

func TestEchoKeepaliveRespondsWithZeroAttributeEchoResponse(t *testing.T) {
	sm, sender, timers, _ := newTestMachine()
	sm.mu.Lock()
	sm.ctx.State = StateCallConnected
	sm.mu.Unlock()
	timers.helloArmed = true

	echoReq := sstpframe.Frame{Type: sstpframe.FrameTypeControl, MessageType: sstpframe.MessageTypeEchoRequest}
	require.NoError(t, sm.HandleControlFrame(echoReq))

	require.Equal(t, 1, sender.countOf(sstpframe.MessageTypeEchoResponse))
	sender.mu.Lock()
	last := sender.sent[len(sender.sent)-1]
	sender.mu.Unlock()
	assert.Empty(t, last.attrs)

	echoResp := sstpframe.Frame{Type: sstpframe.FrameTypeControl, MessageType: sstpframe.MessageTypeEchoResponse}
	require.NoError(t, sm.HandleControlFrame(echoResp))
	assert.False(t, timers.helloArmed)
}

func TestCallDisconnectIsAcknowledgedAndTearsDown(t *testing.T) {
	sm, sender, _, _ := newTestMachine()
	require.NoError(t, sm.Start())

	disconnect := sstpframe.Frame{Type: sstpframe.FrameTypeControl, MessageType: sstpframe.MessageTypeCallDisconnect}
	require.NoError(t, sm.HandleControlFrame(disconnect))

	assert.Equal(t, StateDisconnected, sm.State())
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeCallDisconnectAck))
	// teardownLocked unconditionally sends CALL_DISCONNECT too, per the
	// decided reading of the open question.
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeCallDisconnect))
}

func TestUnexpectedMessageInStateIsProtocolViolation(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	require.NoError(t, sm.Start())

	// CALL_CONNECT_REQUEST received by a client is always a violation.
	violating := sstpframe.Frame{Type: sstpframe.FrameTypeControl, MessageType: sstpframe.MessageTypeCallConnectRequest}
	err := sm.HandleControlFrame(violating)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Equal(t, StateDisconnected, sm.State())
}

func TestTeardownIsIdempotent(t *testing.T) {
	sm, sender, _, _ := newTestMachine()
	require.NoError(t, sm.Start())

	_ = sm.HandleNegotiationTimeout()
	firstCount := sender.countOf(sstpframe.MessageTypeCallDisconnect)
	require.Equal(t, 1, firstCount)

	// A second teardown trigger must not send CALL_DISCONNECT again.
	_ = sm.HandleHelloTimeout()
	assert.Equal(t, firstCount, sender.countOf(sstpframe.MessageTypeCallDisconnect))
}

func TestHandlePppAuthSuccessRequiresCapturedChapResponse(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	sm.mu.Lock()
	sm.ctx.State = StateConnectAckReceived
	sm.mu.Unlock()

	err := sm.HandlePppAuthSuccess()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPppAuthWithoutCapture))
}

func TestHandlePppAuthSuccessSendsCallConnectedAndArmsHello(t *testing.T) {
	sm, sender, timers, chap := newTestMachine()
	sm.mu.Lock()
	sm.ctx.State = StateConnectAckReceived
	sm.ctx.HashAlgorithm = cryptobinding.HashAlgorithmSHA256
	sm.mu.Unlock()

	var resp [cryptobinding.NTResponseLen]byte
	chap.Set(resp)

	require.NoError(t, sm.HandlePppAuthSuccess())

	assert.Equal(t, StateCallConnected, sm.State())
	assert.True(t, timers.helloArmed)
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeCallConnected))
	assert.Equal(t, 1, sender.countOf(sstpframe.MessageTypeEchoRequest))
}
