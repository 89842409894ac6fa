package tlstransport

import (
	"bufio"
	"fmt"
	"net"
)

// PipeTransport is an in-memory Transport backed by net.Pipe, used by
// tests that need two ends of a Transport without a real TLS handshake.
type PipeTransport struct {
	conn        net.Conn
	br          *bufio.Reader
	peerCertDER []byte
}

// NewPipePair returns two connected PipeTransports, as if each were one
// side of a TLS session terminated at certDER.
func NewPipePair(certDER []byte) (client, server *PipeTransport) {
	a, b := net.Pipe()
	return &PipeTransport{conn: a, br: bufio.NewReader(a), peerCertDER: certDER},
		&PipeTransport{conn: b, br: bufio.NewReader(b), peerCertDER: certDER}
}

// Reader exposes the buffered reader Recv draws from, mirroring Conn's
// Reader so a PipeTransport can stand in for the transport a
// sstpclient.Session needs.
func (p *PipeTransport) Reader() *bufio.Reader { return p.br }

func (p *PipeTransport) Send(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("tlstransport: pipe write: %w", err)
	}
	return n, nil
}

func (p *PipeTransport) Recv(buf []byte) (int, error) {
	n, err := p.br.Read(buf)
	if err != nil {
		return n, fmt.Errorf("tlstransport: pipe read: %w", err)
	}
	return n, nil
}

func (p *PipeTransport) PeerCertificateDER() []byte { return p.peerCertDER }
func (p *PipeTransport) MaxRecordSize() int         { return maxTLSRecordSize }
func (p *PipeTransport) Close() error               { return p.conn.Close() }
