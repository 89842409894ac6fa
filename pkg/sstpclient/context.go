package sstpclient

import (
	"sync"

	"github.com/sstpgo/sstpc/pkg/cryptobinding"
)

// State is one of the four states in the SSTP client handshake.
type State int

const (
	StateDisconnected State = iota
	StateConnectRequestSent
	StateConnectAckReceived
	StateCallConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnectRequestSent:
		return "ConnectRequestSent"
	case StateConnectAckReceived:
		return "ConnectAckReceived"
	case StateCallConnected:
		return "CallConnected"
	default:
		return "Unknown"
	}
}

// InitialRetryBudget is the maximum number of CALL_CONNECT_REQUEST
// attempts (initial send plus retries) permitted during negotiation.
const InitialRetryBudget = 5

// ClientContext is the single per-session mutable state owned exclusively
// by the StateMachine, which stores the CryptoBinding results in its
// crypto fields.
type ClientContext struct {
	State          State
	RetryRemaining int
	HashAlgorithm  cryptobinding.HashAlgorithm
	Nonce          [cryptobinding.FieldSize]byte
	CertHash       [cryptobinding.FieldSize]byte
	CMK            [cryptobinding.FieldSize]byte
	CMAC           [cryptobinding.FieldSize]byte

	// NegotiationArmed and HelloArmed track which one-shot timer, if any,
	// is currently outstanding. At most one of them is true at a time per
	// the negotiation/hello phases being mutually exclusive.
	NegotiationArmed bool
	HelloArmed       bool

	// DisconnectSent records whether CALL_DISCONNECT has already gone out
	// this session; teardown sends it only while this is still false.
	DisconnectSent bool
}

// NewClientContext returns a freshly initialized context, ready for the
// "start" event. retryBudget is the total number of CALL_CONNECT_REQUEST
// attempts (initial send plus retries) permitted, clamped to
// [1, InitialRetryBudget].
func NewClientContext(retryBudget int) *ClientContext {
	switch {
	case retryBudget <= 0:
		retryBudget = InitialRetryBudget
	case retryBudget > InitialRetryBudget:
		retryBudget = InitialRetryBudget
	}
	return &ClientContext{
		State:          StateDisconnected,
		RetryRemaining: retryBudget - 1,
	}
}

// ChapContext holds the captured PPP-CHAP response payload. It is written
// once by Transport on the uplink path when a CHAP response is observed,
// and read once by CryptoBinding when PPP-CHAP success is observed on the
// downlink. The uplink writer and the downlink reader run on different
// goroutines with no other lock in common, so ChapContext serializes its
// own access rather than relying on the StateMachine's mutex.
type ChapContext struct {
	mu         sync.Mutex
	ntResponse [cryptobinding.NTResponseLen]byte
	captured   bool
}

// Set stores the 49-byte CHAP response payload.
func (c *ChapContext) Set(payload [cryptobinding.NTResponseLen]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ntResponse = payload
	c.captured = true
}

// Captured reports whether a CHAP response has been observed yet.
func (c *ChapContext) Captured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}

// Get returns the captured CHAP response payload.
func (c *ChapContext) Get() [cryptobinding.NTResponseLen]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ntResponse
}
