package handshakefront

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

type fakeSender struct {
	written []byte
}

func (f *fakeSender) Send(b []byte) (int, error) {
	f.written = append(f.written, b...)
	return len(b), nil
}

func TestRequestShape(t *testing.T) {
	req, err := Request("vpn.example.com")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	s := string(req)

	if !strings.HasPrefix(s, "SSTP_DUPLEX_POST /sra_{BA195980-CD49-458b-9E23-C84EE0ADCD75}/ HTTP/1.1\r\n") {
		t.Errorf("unexpected request line: %q", s)
	}
	if !strings.Contains(s, "Host: vpn.example.com\r\n") {
		t.Error("missing Host header")
	}
	if !strings.Contains(s, "Content-Length: 18446744073709551615\r\n") {
		t.Error("missing max-uint64 Content-Length sentinel")
	}
	if !strings.Contains(s, "Cookie: ClientHTTPCookie=True; ClientBypassHLAuth=True\r\n") {
		t.Error("missing cookie header")
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Error("request does not end with a blank line")
	}
}

func TestPerformSucceedsOn200(t *testing.T) {
	sender := &fakeSender{}
	r := bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\n"))

	if err := Perform(sender, r, "vpn.example.com"); err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if len(sender.written) == 0 {
		t.Error("Perform() did not send anything")
	}
}

func TestPerformFailsOnNon200(t *testing.T) {
	sender := &fakeSender{}
	r := bufio.NewReader(strings.NewReader("HTTP/1.1 401 Unauthorized\r\n"))

	err := Perform(sender, r, "vpn.example.com")
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Perform() error = %v, want ErrHandshakeRejected", err)
	}
}
