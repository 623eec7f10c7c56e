package conn

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/shs/internal/crypto"
)

func seedKeypair(t *testing.T, seed byte) crypto.SigningKeypair {
	t.Helper()
	var s [32]byte
	for i := range s {
		s[i] = seed
	}
	return *crypto.SigningKeypairFromSeed(s)
}

// TestDialServeRoundTrip runs a real client/server handshake over a TCP
// loopback listener and exchanges one frame in each direction.
func TestDialServeRoundTrip(t *testing.T) {
	serverKP := seedKeypair(t, 0x00)
	clientKP := seedKeypair(t, 0x01)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan *Session, 1)
	serverErrs := make(chan error, 1)
	go func() {
		err := Serve(ctx, Deps{}, ln, serverKP, nil, func(_ context.Context, s *Session) {
			serverDone <- s
		})
		if err != nil {
			serverErrs <- err
		}
	}()

	clientSession, err := Dial(ctx, Deps{}, "tcp", ln.Addr().String(), clientKP, serverKP.PublicKey, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSession.Close()

	var serverSession *Session
	select {
	case serverSession = <-serverDone:
	case err := <-serverErrs:
		t.Fatalf("Serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side session")
	}
	defer serverSession.Close()

	if clientSession.RemoteSignPublicKey != serverKP.PublicKey {
		t.Error("client session recorded the wrong remote identity")
	}
	if serverSession.RemoteSignPublicKey != clientKP.PublicKey {
		t.Error("server session recorded the wrong remote identity")
	}

	payload := []byte("hello over the box stream")
	if _, err := clientSession.Write(payload); err != nil {
		t.Fatalf("client Write: %v", err)
	}
	got, err := serverSession.ReadFrame()
	if err != nil {
		t.Fatalf("server ReadFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("server received %q, want %q", got, payload)
	}

	reply := []byte("hello back")
	if _, err := serverSession.Write(reply); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	got, err = clientSession.ReadFrame()
	if err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	if string(got) != string(reply) {
		t.Errorf("client received %q, want %q", got, reply)
	}
}

// TestDialWrongServerIdentity exercises a client pinned to the wrong server
// identity: the server cannot open the client's auth message and closes the
// connection, so the client never receives the accept message.
func TestDialWrongServerIdentity(t *testing.T) {
	serverKP := seedKeypair(t, 0x00)
	wrongKP := seedKeypair(t, 0x09)
	clientKP := seedKeypair(t, 0x01)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, Deps{}, ln, serverKP, nil, func(_ context.Context, s *Session) {
		s.Close()
	})

	_, err = Dial(ctx, Deps{HandshakeTimeout: 2 * time.Second}, "tcp", ln.Addr().String(), clientKP, wrongKP.PublicKey, nil)
	if err == nil {
		t.Error("Dial should fail when pinned to the wrong server identity")
	}
}

// TestServeClosesOnContextCancel confirms the accept loop exits once ctx is
// cancelled rather than blocking forever.
func TestServeClosesOnContextCancel(t *testing.T) {
	serverKP := seedKeypair(t, 0x00)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, Deps{}, ln, serverKP, nil, nil)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error on cancellation: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestSessionCloseEndsPeerReads(t *testing.T) {
	serverKP := seedKeypair(t, 0x00)
	clientKP := seedKeypair(t, 0x01)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan *Session, 1)
	go Serve(ctx, Deps{}, ln, serverKP, nil, func(_ context.Context, s *Session) {
		serverDone <- s
	})

	clientSession, err := Dial(ctx, Deps{}, "tcp", ln.Addr().String(), clientKP, serverKP.PublicKey, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverSession := <-serverDone

	if err := clientSession.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}

	_, err = serverSession.ReadFrame()
	if err != io.EOF {
		t.Errorf("server ReadFrame after client close = %v, want io.EOF", err)
	}
}
