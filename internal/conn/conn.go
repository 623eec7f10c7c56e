// Package conn sequences a Secret Handshake over a byte-stream transport and
// hands the authenticated connection off to a Box Stream session: handshake
// → key derivation → bidirectional streaming.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/shs/internal/boxstream"
	"github.com/postalsys/shs/internal/crypto"
	"github.com/postalsys/shs/internal/logging"
	"github.com/postalsys/shs/internal/metrics"
	"github.com/postalsys/shs/internal/recovery"
)

// DefaultHandshakeTimeout bounds how long the four handshake messages may
// take to exchange before the connection is aborted.
const DefaultHandshakeTimeout = 10 * time.Second

// Session is an authenticated connection past the handshake: a Box Stream
// reader/writer pair plus the remote peer's verified long-term identity.
type Session struct {
	RemoteSignPublicKey [crypto.SignPublicKeySize]byte

	boxer   *boxstream.Boxer
	unboxer *boxstream.Unboxer
	conn    net.Conn
	metrics *metrics.Metrics
}

// Write implements io.Writer, chunking p into Box Stream frames.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.boxer.Write(p)
	if err != nil {
		s.metrics.FrameErrors.WithLabelValues(frameErrorKind(err)).Inc()
		return n, err
	}
	s.metrics.FramesSent.Add(float64((n + boxstream.MaxSegmentSize - 1) / boxstream.MaxSegmentSize))
	s.metrics.BytesSent.Add(float64(n))
	return n, nil
}

// ReadFrame returns the next Box Stream plaintext frame, or io.EOF on a
// clean close (termination frame or end-of-stream at a frame boundary).
func (s *Session) ReadFrame() ([]byte, error) {
	frame, err := s.unboxer.ReadFrame()
	if err != nil {
		if err != io.EOF {
			s.metrics.FrameErrors.WithLabelValues(frameErrorKind(err)).Inc()
		}
		return frame, err
	}
	s.metrics.FramesReceived.Inc()
	s.metrics.BytesReceived.Add(float64(len(frame)))
	return frame, nil
}

// Close sends the Box Stream termination frame, then closes the transport.
func (s *Session) Close() error {
	closeErr := s.boxer.Close()
	if err := s.conn.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// OnConnect is invoked once a connection has completed the handshake and
// been handed off to Box Stream framing.
type OnConnect func(ctx context.Context, session *Session)

// Deps bundles the collaborators a Dial/Serve call is instrumented with.
// A zero-value Deps is valid: Logger defaults to a discard logger and
// Metrics to the package-default registry.
type Deps struct {
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	HandshakeTimeout time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.NopLogger()
}

func (d Deps) metrics() *metrics.Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}
	return metrics.Default()
}

func (d Deps) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Dial opens network/addr, runs the client side of the Secret Handshake
// against the identity in remoteSignPK using appKey (nil selects the
// protocol default), and on success returns an authenticated Session.
func Dial(ctx context.Context, deps Deps, network, addr string, local crypto.SigningKeypair, remoteSignPK [crypto.SignPublicKeySize]byte, appKey *[crypto.KeySize]byte) (*Session, error) {
	log := deps.logger()
	m := deps.metrics()

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	session, err := clientHandshake(ctx, deps, rawConn, local, remoteSignPK, appKey)
	if err != nil {
		rawConn.Close()
		kind := errorKind(err)
		m.HandshakeErrors.WithLabelValues(kind).Inc()
		log.Warn("client handshake failed",
			logging.KeyRole, "client",
			logging.KeyRemoteAddr, addr,
			logging.KeyErrorKind, kind,
			"error", err)
		return nil, err
	}

	log.Info("handshake complete",
		logging.KeyRole, "client",
		logging.KeyRemoteAddr, addr)
	return session, nil
}

// Serve accepts connections on listener, runs the server side of the
// handshake on each with the given identity and appKey, and invokes
// onConnect for each that succeeds. It blocks until ctx is cancelled or
// the listener errors.
func Serve(ctx context.Context, deps Deps, listener net.Listener, local crypto.SigningKeypair, appKey *[crypto.KeySize]byte, onConnect OnConnect) error {
	log := deps.logger()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		rawConn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		go func() {
			defer recovery.RecoverWithLog(log, "conn.Serve.connection")
			serveOne(ctx, deps, rawConn, local, appKey, onConnect)
		}()
	}
}

func serveOne(ctx context.Context, deps Deps, rawConn net.Conn, local crypto.SigningKeypair, appKey *[crypto.KeySize]byte, onConnect OnConnect) {
	log := deps.logger()
	m := deps.metrics()
	remoteAddr := rawConn.RemoteAddr().String()

	session, err := serverHandshake(ctx, deps, rawConn, local, appKey)
	if err != nil {
		rawConn.Close()
		kind := errorKind(err)
		m.HandshakeErrors.WithLabelValues(kind).Inc()
		log.Warn("server handshake failed",
			logging.KeyRole, "server",
			logging.KeyRemoteAddr, remoteAddr,
			logging.KeyErrorKind, kind,
			"error", err)
		return
	}

	log.Info("handshake complete",
		logging.KeyRole, "server",
		logging.KeyRemoteAddr, remoteAddr)

	m.ConnectionsActive.Inc()
	defer m.ConnectionsActive.Dec()

	if onConnect != nil {
		onConnect(ctx, session)
	}
}

func clientHandshake(ctx context.Context, deps Deps, rawConn net.Conn, local crypto.SigningKeypair, remoteSignPK [crypto.SignPublicKeySize]byte, appKey *[crypto.KeySize]byte) (*Session, error) {
	m := deps.metrics()
	m.HandshakeAttempts.Inc()
	start := time.Now()

	deadline := start.Add(deps.handshakeTimeout())
	if err := rawConn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer rawConn.SetDeadline(time.Time{})

	cs, err := crypto.NewClientState(local, remoteSignPK, nil, appKey)
	if err != nil {
		return nil, fmt.Errorf("init client handshake state: %w", err)
	}
	defer cs.Clean()

	msg1 := cs.GenerateChallenge()
	if _, err := rawConn.Write(msg1[:]); err != nil {
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	var msg2 [64]byte
	if _, err := io.ReadFull(rawConn, msg2[:]); err != nil {
		return nil, fmt.Errorf("read server challenge: %w", err)
	}
	if ok, err := cs.VerifyServerChallenge(msg2); err != nil || !ok {
		return nil, fmt.Errorf("verify server challenge: %w", err)
	}

	msg3, err := cs.GenerateClientAuth()
	if err != nil {
		return nil, fmt.Errorf("generate client auth: %w", err)
	}
	if _, err := rawConn.Write(msg3[:]); err != nil {
		return nil, fmt.Errorf("send client auth: %w", err)
	}

	var msg4 [80]byte
	if _, err := io.ReadFull(rawConn, msg4[:]); err != nil {
		return nil, fmt.Errorf("read server accept: %w", err)
	}
	if ok, err := cs.VerifyServerAccept(msg4); err != nil || !ok {
		return nil, fmt.Errorf("verify server accept: %w", err)
	}

	sk := cs.GetSessionKeys()
	m.HandshakeSuccess.Inc()
	m.HandshakeLatency.Observe(time.Now().Sub(start).Seconds())

	return &Session{
		RemoteSignPublicKey: remoteSignPK,
		boxer:               boxstream.NewBoxer(rawConn, sk.EncryptKey, sk.EncryptNonce),
		unboxer:             boxstream.NewUnboxer(rawConn, sk.DecryptKey, sk.DecryptNonce),
		conn:                rawConn,
		metrics:             m,
	}, nil
}

func serverHandshake(ctx context.Context, deps Deps, rawConn net.Conn, local crypto.SigningKeypair, appKey *[crypto.KeySize]byte) (*Session, error) {
	m := deps.metrics()
	m.HandshakeAttempts.Inc()
	start := time.Now()

	deadline := start.Add(deps.handshakeTimeout())
	if err := rawConn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer rawConn.SetDeadline(time.Time{})

	ss, err := crypto.NewServerState(local, nil, appKey)
	if err != nil {
		return nil, fmt.Errorf("init server handshake state: %w", err)
	}
	defer ss.Clean()

	var msg1 [64]byte
	if _, err := io.ReadFull(rawConn, msg1[:]); err != nil {
		return nil, fmt.Errorf("read client challenge: %w", err)
	}
	if ok, err := ss.VerifyClientChallenge(msg1); err != nil || !ok {
		return nil, fmt.Errorf("verify client challenge: %w", err)
	}

	msg2 := ss.GenerateChallenge()
	if _, err := rawConn.Write(msg2[:]); err != nil {
		return nil, fmt.Errorf("send server challenge: %w", err)
	}

	var msg3 [112]byte
	if _, err := io.ReadFull(rawConn, msg3[:]); err != nil {
		return nil, fmt.Errorf("read client auth: %w", err)
	}
	if ok, err := ss.VerifyClientAuth(msg3); err != nil || !ok {
		return nil, fmt.Errorf("verify client auth: %w", err)
	}

	msg4, err := ss.GenerateAccept()
	if err != nil {
		return nil, fmt.Errorf("generate server accept: %w", err)
	}
	if _, err := rawConn.Write(msg4[:]); err != nil {
		return nil, fmt.Errorf("send server accept: %w", err)
	}

	sk := ss.GetSessionKeys()
	m.HandshakeSuccess.Inc()
	m.HandshakeLatency.Observe(time.Now().Sub(start).Seconds())

	return &Session{
		RemoteSignPublicKey: ss.RemoteSignPublicKey(),
		boxer:               boxstream.NewBoxer(rawConn, sk.EncryptKey, sk.EncryptNonce),
		unboxer:             boxstream.NewUnboxer(rawConn, sk.DecryptKey, sk.DecryptNonce),
		conn:                rawConn,
		metrics:             m,
	}, nil
}

func errorKind(err error) string {
	var cryptoErr *crypto.Error
	if err == nil {
		return "none"
	}
	if ok := asCryptoError(err, &cryptoErr); ok {
		return string(cryptoErr.Kind)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return string(crypto.ErrShortRead)
	}
	return "protocol"
}

// frameErrorKind maps a Box Stream read/write failure to a stable metrics
// label. Unrecognized errors (e.g. underlying transport failures) fall back
// to "transport".
func frameErrorKind(err error) string {
	switch {
	case errors.Is(err, boxstream.ErrFrameAuthFail):
		return "frame_auth_fail"
	case errors.Is(err, boxstream.ErrOversizedFrame):
		return "oversized_frame"
	case errors.Is(err, boxstream.ErrShortRead):
		return "short_read"
	case errors.Is(err, boxstream.ErrUsage):
		return "usage"
	default:
		return "transport"
	}
}

func asCryptoError(err error, target **crypto.Error) bool {
	for err != nil {
		if ce, ok := err.(*crypto.Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
