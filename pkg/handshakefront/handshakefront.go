// Package handshakefront performs the HTTP SSTP_DUPLEX_POST upgrade
// request on a ready TLS transport and validates the server's response
// line.
package handshakefront

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// sstpResourcePath is the fixed resource path Microsoft's SSTP servers
// expect the duplex POST to target.
const sstpResourcePath = "/sra_{BA195980-CD49-458b-9E23-C84EE0ADCD75}/"

// contentLengthSentinel is the literal maximum-uint64 value SSTP servers
// expect in the upgrade request's Content-Length header, since the body
// length (the rest of the tunneled session) is not known in advance.
const contentLengthSentinel = "18446744073709551615"

// ErrHandshakeRejected is returned when the server's response line does
// not begin with "HTTP/1.1 200".
var ErrHandshakeRejected = errors.New("handshakefront: server rejected SSTP_DUPLEX_POST upgrade")

// Sender is the minimal write side of a ready TLS transport.
type Sender interface {
	Send(b []byte) (int, error)
}

// Request builds the raw SSTP_DUPLEX_POST upgrade request for server,
// with a freshly generated correlation GUID.
func Request(server string) ([]byte, error) {
	guid, err := newGUID()
	if err != nil {
		return nil, fmt.Errorf("handshakefront: generating correlation id: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SSTP_DUPLEX_POST %s HTTP/1.1\r\n", sstpResourcePath)
	fmt.Fprintf(&b, "Host: %s\r\n", server)
	fmt.Fprintf(&b, "SSTPCORRELATIONID: %s\r\n", guid)
	fmt.Fprintf(&b, "Content-Length: %s\r\n", contentLengthSentinel)
	fmt.Fprintf(&b, "Cookie: ClientHTTPCookie=True; ClientBypassHLAuth=True\r\n")
	fmt.Fprintf(&b, "\r\n")
	return []byte(b.String()), nil
}

// Perform sends the upgrade request over sender and validates the
// response status line read from r.
func Perform(sender Sender, r *bufio.Reader, server string) error {
	req, err := Request(server)
	if err != nil {
		return err
	}
	if _, err := sender.Send(req); err != nil {
		return fmt.Errorf("handshakefront: sending upgrade request: %w", err)
	}

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("handshakefront: reading response: %w", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 200") {
		return fmt.Errorf("%w: %q", ErrHandshakeRejected, strings.TrimSpace(statusLine))
	}
	return nil
}

// newGUID returns a random token formatted {XXXXXXXX-XXXX-XXXX-XXXXXXXXXXXX}
// as required by §4.5 (8-4-4-12 hex digits; the server never validates its
// contents cryptographically, so this need not be a standards-conformant
// 128-bit GUID).
func newGUID() (string, error) {
	var b [14]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("{%X-%X-%X-%X}",
		b[0:4], b[4:6], b[6:8], b[8:14],
	), nil
}
