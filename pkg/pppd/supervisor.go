// Package pppd allocates a pseudo-terminal and spawns the PPP daemon,
// tracking its lifecycle and tearing it down on session teardown.
package pppd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Config describes how to spawn the PPP daemon.
type Config struct {
	// PppdPath is the executable to spawn.
	PppdPath string
	// Username and Password are injected into the daemon's argv.
	Username string
	Password string
	// Domain is an optional NT domain, injected as the "domain" option
	// when non-empty.
	Domain string
	// LogFile, when non-empty, is passed along with "debug" so the
	// daemon logs its own negotiation there.
	LogFile string
}

// buildArgs constructs the argument vector pppd needs to run in
// foreground, synchronous, unauthenticated-at-the-link-layer mode with
// the inner credentials supplied directly (§4.6).
func (c Config) buildArgs() []string {
	args := []string{
		"nodetach",
		"noauth",
		"noccp",
		"nobsdcomp",
		"sync",
		"refuse-eap",
		"user", c.Username,
		"password", c.Password,
	}
	if c.Domain != "" {
		args = append(args, "domain", c.Domain)
	}
	if c.LogFile != "" {
		args = append(args, "debug", "logfile", c.LogFile)
	}
	return args
}

// Supervisor owns the pty master fd and the spawned pppd child. The
// master fd is the parent's only handle to the child; teardown must
// close it only after signaling and waiting for the child, not before.
type Supervisor struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	master  *os.File
	started bool
}

// Start allocates a pty, spawns pppd with cfg's argument vector attached
// to the pty's slave side, and retains the master side for the caller to
// wire into Transport.
func Start(cfg Config) (*Supervisor, error) {
	cmd := exec.Command(cfg.PppdPath, cfg.buildArgs()...)

	master, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("pppd: spawning %s: %w", cfg.PppdPath, err)
	}

	return &Supervisor{cmd: cmd, master: master, started: true}, nil
}

// Master returns the pty master, the sole I/O handle to the child.
func (s *Supervisor) Master() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// Stop sends an interrupt to the child and waits up to timeout for it to
// exit before closing the master fd. The child's exit status is returned
// for logging, never interpreted beyond that.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- s.cmd.Wait() }()

	var exitErr error
	select {
	case exitErr = <-waitDone:
	case <-time.After(timeout):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-waitDone
		exitErr = fmt.Errorf("pppd: child did not exit within %s, killed", timeout)
	case <-ctx.Done():
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-waitDone
		exitErr = ctx.Err()
	}

	_ = s.master.Close()
	return exitErr
}
