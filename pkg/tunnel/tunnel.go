// Package tunnel pumps bytes between the TLS transport and the PPP
// child's pty, passively observing PPP-CHAP frames to drive
// authentication events into the state machine.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sstpgo/sstpc/pkg/cryptobinding"
	"github.com/sstpgo/sstpc/pkg/logging"
	"github.com/sstpgo/sstpc/pkg/sstpframe"
)

// Transport is the minimal send/recv surface the pumps need.
type Transport interface {
	Send(b []byte) (int, error)
	Recv(buf []byte) (int, error)
}

// Dispatcher receives the semantic events the downlink pump observes.
// sstpclient.StateMachine implements this interface structurally.
type Dispatcher interface {
	HandleControlFrame(frame sstpframe.Frame) error
	HandlePppAuthSuccess() error
}

// ChapRecorder captures the 49-byte PPP-CHAP response payload.
// sstpclient.ChapContext implements this interface structurally.
type ChapRecorder interface {
	Set(payload [cryptobinding.NTResponseLen]byte)
}

const (
	uplinkReadSize    = 4096
	downlinkReadSize  = 16384
	chapResponseOffset = 7
)

// SerializedSender serializes all writes to a Transport so that control
// frames sent by the state machine and data frames sent by the uplink
// pump never interleave partial frames on the wire.
type SerializedSender struct {
	mu        sync.Mutex
	transport Transport
}

// NewSerializedSender wraps transport for shared, serialized writes.
func NewSerializedSender(transport Transport) *SerializedSender {
	return &SerializedSender{transport: transport}
}

// Send writes b as a single serialized operation.
func (s *SerializedSender) Send(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Send(b)
}

// SendControl encodes and sends a control frame. This method makes
// SerializedSender satisfy sstpclient.FrameSender.
func (s *SerializedSender) SendControl(msgType sstpframe.MessageType, attrs []sstpframe.Attribute) error {
	_, err := s.Send(sstpframe.EncodeControl(msgType, attrs))
	return err
}

// Pump owns the uplink (pty -> transport) and downlink (transport -> pty)
// goroutines for a single session. The downlink pump runs from Start,
// since it must be able to dispatch control frames before the PPP child
// even exists; the uplink pump (and the pty itself) only come into being
// once AttachPPP is called, which the state machine triggers on reaching
// ConnectAckReceived (spec.md §4.3: no PPP bytes may reach the wire
// during negotiation).
type Pump struct {
	ptyMu sync.Mutex
	pty   io.ReadWriter

	transport  Transport
	sender     *SerializedSender
	dispatcher Dispatcher
	chap       ChapRecorder
	log        *logging.Logger

	ptyWriteMu sync.Mutex
	attachOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fatalOnce sync.Once
	onFatal   func(error)
}

// New creates a Pump with no pty attached yet. sender must be the same
// SerializedSender the state machine uses to send control frames, so
// writes to transport are globally serialized.
func New(transport Transport, sender *SerializedSender, dispatcher Dispatcher, chap ChapRecorder, log *logging.Logger, onFatal func(error)) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pump{
		transport:  transport,
		sender:     sender,
		dispatcher: dispatcher,
		chap:       chap,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		onFatal:    onFatal,
	}
}

// Start launches the downlink pump only. Data frames received before
// AttachPPP is called are dropped with a warning, since no pty exists
// yet to write them to.
func (p *Pump) Start() {
	p.wg.Add(1)
	go p.downlinkLoop()
}

// AttachPPP gives the pump the spawned PPP child's pty and launches the
// uplink pump. Safe to call at most once; later calls are no-ops.
func (p *Pump) AttachPPP(pty io.ReadWriter) {
	p.attachOnce.Do(func() {
		p.ptyMu.Lock()
		p.pty = pty
		p.ptyMu.Unlock()

		p.wg.Add(1)
		go p.uplinkLoop(pty)
	})
}

// StopUplink cancels the context both pumps share, without waiting for
// either to exit. Each loop observes the cancellation before its next
// read; a loop already blocked in a read stays there until the read
// returns. Used at the start of teardown, before Stop joins the pumps.
func (p *Pump) StopUplink() {
	p.cancel()
}

// Stop cancels both pumps and waits for them to exit.
func (p *Pump) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pump) reportFatal(err error) {
	p.fatalOnce.Do(func() {
		if p.log != nil {
			p.log.Error("tunnel pump fatal error", logging.Fields{"error": err.Error()})
		}
		if p.onFatal != nil {
			p.onFatal(err)
		}
	})
}

// uplinkLoop reads PPP bytes from the pty, captures a CHAP response into
// ChapContext when observed, and forwards every read as a Data Frame.
// pty is passed explicitly (rather than read from p.pty) since this loop
// only ever runs after AttachPPP has set it exactly once.
func (p *Pump) uplinkLoop(pty io.ReadWriter) {
	defer p.wg.Done()

	buf := make([]byte, uplinkReadSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, err := pty.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			p.reportFatal(fmt.Errorf("tunnel: pty read: %w", err))
			return
		}
		payload := buf[:n]

		if isChapResponse(payload) && len(payload) >= chapResponseOffset+cryptobinding.NTResponseLen {
			var resp [cryptobinding.NTResponseLen]byte
			copy(resp[:], payload[chapResponseOffset:chapResponseOffset+cryptobinding.NTResponseLen])
			p.chap.Set(resp)
		}

		if _, err := p.sender.Send(sstpframe.EncodeData(payload)); err != nil {
			p.reportFatal(fmt.Errorf("tunnel: uplink send: %w", err))
			return
		}
	}
}

// downlinkLoop reads from the TLS transport and dispatches decoded
// frames: control frames go to the state machine, data frames are
// checked for a CHAP success tag before being written to the pty.
func (p *Pump) downlinkLoop() {
	defer p.wg.Done()

	buf := make([]byte, downlinkReadSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, err := p.transport.Recv(buf)
		if err != nil {
			p.reportFatal(fmt.Errorf("tunnel: transport recv: %w", err))
			return
		}

		frame, err := sstpframe.Decode(buf[:n])
		if err != nil {
			if errors.Is(err, sstpframe.ErrLengthMismatch) {
				if p.log != nil {
					p.log.Warn("dropping frame with inconsistent length header")
				}
				continue
			}
			p.reportFatal(fmt.Errorf("tunnel: decode: %w", err))
			return
		}

		switch frame.Type {
		case sstpframe.FrameTypeControl:
			if err := p.dispatcher.HandleControlFrame(frame); err != nil && p.log != nil {
				p.log.Warn("control frame handling ended session", logging.Fields{"error": err.Error()})
			}
		case sstpframe.FrameTypeData:
			p.handleDataFrame(frame.Payload)
		}
	}
}

func (p *Pump) handleDataFrame(payload []byte) {
	if isChapSuccess(payload) {
		if err := p.dispatcher.HandlePppAuthSuccess(); err != nil && p.log != nil {
			p.log.Warn("ppp auth success handling ended session", logging.Fields{"error": err.Error()})
		}
	}

	p.ptyMu.Lock()
	pty := p.pty
	p.ptyMu.Unlock()
	if pty == nil {
		if p.log != nil {
			p.log.Warn("dropping data frame received before ppp was spawned")
		}
		return
	}

	p.ptyWriteMu.Lock()
	_, err := pty.Write(payload)
	p.ptyWriteMu.Unlock()
	if err != nil {
		p.reportFatal(fmt.Errorf("tunnel: pty write: %w", err))
	}
}

// isChapResponse reports whether payload begins with the PPP protocol id
// 0xC223 (CHAP) and carries code 0x02 (Response).
func isChapResponse(payload []byte) bool {
	return len(payload) >= 3 && payload[0] == 0xC2 && payload[1] == 0x23 && payload[2] == 0x02
}

// isChapSuccess reports whether payload begins with the PPP protocol id
// 0xC223 (CHAP) and carries code 0x03 (Success).
func isChapSuccess(payload []byte) bool {
	return len(payload) >= 3 && payload[0] == 0xC2 && payload[1] == 0x23 && payload[2] == 0x03
}
