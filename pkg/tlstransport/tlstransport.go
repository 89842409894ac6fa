// Package tlstransport adapts a TLS connection to the narrow transport
// interface the SSTP client core depends on. TLS session establishment
// and certificate verification policy are out of the core's scope; this
// package only wraps an already-dialed *tls.Conn.
package tlstransport

import (
	"bufio"
	"crypto/tls"
	"fmt"
)

// Transport is the collaborator interface the core depends on: send
// bytes, receive bytes, and inspect the peer certificate in DER form.
type Transport interface {
	Send(b []byte) (int, error)
	Recv(buf []byte) (int, error)
	PeerCertificateDER() []byte
	MaxRecordSize() int
	Close() error
}

// maxTLSRecordSize is the largest single TLS record a conforming
// implementation will produce, reported by MaxRecordSize.
const maxTLSRecordSize = 16384

// Conn wraps a dialed, handshake-complete *tls.Conn.
type Conn struct {
	conn        *tls.Conn
	br          *bufio.Reader
	peerCertDER []byte
}

// Wrap adapts conn, which must have already completed its TLS handshake,
// into a Transport. Dialing and certificate verification policy are the
// caller's responsibility.
func Wrap(conn *tls.Conn) (*Conn, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("tlstransport: no peer certificate presented")
	}
	return &Conn{
		conn:        conn,
		br:          bufio.NewReader(conn),
		peerCertDER: state.PeerCertificates[0].Raw,
	}, nil
}

// Reader exposes the buffered reader Recv draws from, so the
// handshakefront HTTP upgrade can read the status line through the same
// byte stream before any frame is decoded.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// DialTLS dials addr and completes a TLS handshake using cfg, returning a
// ready Transport. This is the one place the core's build touches
// stdlib crypto/tls directly: TLS establishment itself is out of scope
// for the handshake/codec/crypto-binding core, but something has to
// produce a live connection for the CLI to hand it.
func DialTLS(network, addr string, cfg *tls.Config) (*Conn, error) {
	conn, err := tls.Dial(network, addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("tlstransport: dial %s: %w", addr, err)
	}
	return Wrap(conn)
}

func (c *Conn) Send(b []byte) (int, error) {
	n, err := c.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("tlstransport: write: %w", err)
	}
	return n, nil
}

func (c *Conn) Recv(buf []byte) (int, error) {
	n, err := c.br.Read(buf)
	if err != nil {
		return n, fmt.Errorf("tlstransport: read: %w", err)
	}
	return n, nil
}

func (c *Conn) PeerCertificateDER() []byte { return c.peerCertDER }
func (c *Conn) MaxRecordSize() int         { return maxTLSRecordSize }
func (c *Conn) Close() error               { return c.conn.Close() }
