package tlstransport

import (
	"bytes"
	"testing"
)

func TestPipePairRoundTrip(t *testing.T) {
	certDER := []byte("fake-cert")
	client, server := NewPipePair(certDER)
	defer client.Close()
	defer server.Close()

	if !bytes.Equal(client.PeerCertificateDER(), certDER) {
		t.Fatalf("client PeerCertificateDER() = %q, want %q", client.PeerCertificateDER(), certDER)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		n, err := server.Recv(buf)
		if err != nil {
			t.Errorf("Recv() error = %v", err)
			return
		}
		if !bytes.Equal(buf[:n], []byte("hello")) {
			t.Errorf("Recv() = %q, want %q", buf[:n], "hello")
		}
	}()

	if _, err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	<-done
}
