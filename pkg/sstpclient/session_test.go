package sstpclient

import (
	"bufio"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstpgo/sstpc/pkg/tlstransport"
)

func TestSessionConfigTeardownGraceDefault(t *testing.T) {
	cfg := SessionConfig{}
	assert.Equal(t, defaultTeardownGrace, cfg.teardownGrace())
}

func TestSessionConfigTeardownGraceOverride(t *testing.T) {
	cfg := SessionConfig{TeardownGrace: 9}
	assert.EqualValues(t, 9, cfg.teardownGrace())
}

func TestNewSessionStartsDisconnected(t *testing.T) {
	client, _ := tlstransport.NewPipePair([]byte("cert"))
	sess := NewSession(SessionConfig{ServerName: "vpn.example.com"}, client, nil)
	assert.Equal(t, StateDisconnected, sess.State())
}

// transportSatisfiesInterface pins tlstransport.Conn/PipeTransport to
// Session's Transport interface at compile time.
func transportSatisfiesInterface() {
	var _ Transport = (*tlstransport.PipeTransport)(nil)
	var _ Transport = (*tlstransport.Conn)(nil)
	var _ *bufio.Reader = (&tlstransport.Conn{}).Reader()
}

func TestForceTeardownOnUnstartedSessionIsNoop(t *testing.T) {
	client, _ := tlstransport.NewPipePair([]byte("cert"))
	sess := NewSession(SessionConfig{ServerName: "vpn.example.com"}, client, nil)
	err := sess.sm.ForceTeardown(nil)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, sess.State())
}
