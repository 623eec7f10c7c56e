package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ClientState drives the client side of the Secret Handshake protocol for a
// single connection. It is mutated in place as the four messages are
// produced and consumed, and must be wiped with Clean once session keys
// have been extracted or the handshake has failed.
type ClientState struct {
	appKey [KeySize]byte

	localSignKP SigningKeypair
	localEphPub [KeySize]byte
	localEphSK  [KeySize]byte

	remoteSignPK [SignPublicKeySize]byte

	localAppHMAC  [HMACSize]byte
	remoteAppHMAC [HMACSize]byte
	haveRemote    bool
	remoteEphPub  [KeySize]byte

	ab [KeySize]byte
	aB [KeySize]byte
	Ab [KeySize]byte

	sharedHash [32]byte
	hello      [96]byte
	boxSecret  [32]byte

	cleaned bool
}

// NewClientState constructs client handshake state for a connection to a
// server whose long-term public key is remoteSignPK. ephemeral, if non-nil,
// overrides the freshly generated ephemeral keypair (used for deterministic
// tests); appKey, if nil, defaults to DefaultAppKey().
func NewClientState(local SigningKeypair, remoteSignPK [SignPublicKeySize]byte, ephemeral *[2][KeySize]byte, appKey *[KeySize]byte) (*ClientState, error) {
	cs := &ClientState{
		localSignKP:  local,
		remoteSignPK: remoteSignPK,
	}
	if appKey != nil {
		cs.appKey = *appKey
	} else {
		cs.appKey = DefaultAppKey()
	}

	if ephemeral != nil {
		cs.localEphSK = ephemeral[0]
		cs.localEphPub = ephemeral[1]
	} else {
		sk, pk, err := GenerateEphemeralKeypair()
		if err != nil {
			return nil, fmt.Errorf("generate client ephemeral keypair: %w", err)
		}
		cs.localEphSK, cs.localEphPub = sk, pk
	}

	cs.localAppHMAC = HMACSHA512256(cs.appKey[:], cs.localEphPub[:])
	return cs, nil
}

// GenerateChallenge returns the 64-byte first handshake message.
func (cs *ClientState) GenerateChallenge() [64]byte {
	var out [64]byte
	copy(out[:32], cs.localAppHMAC[:])
	copy(out[32:], cs.localEphPub[:])
	return out
}

// VerifyServerChallenge validates the server's 64-byte second message. On
// success the server's ephemeral public key and MAC are stored and true is
// returned; on failure the state is left untouched and false is returned.
func (cs *ClientState) VerifyServerChallenge(buf [64]byte) (bool, error) {
	var mac [HMACSize]byte
	var ephPub [KeySize]byte
	copy(mac[:], buf[:32])
	copy(ephPub[:], buf[32:])

	expected := HMACSHA512256(cs.appKey[:], ephPub[:])
	if expected != mac {
		return false, newError(ErrBadAppKey, fmt.Errorf("server challenge MAC mismatch"))
	}

	if cs.haveRemote {
		return false, newError(ErrBadAppKey, fmt.Errorf("remote challenge already stored for this connection"))
	}
	cs.remoteAppHMAC = mac
	cs.remoteEphPub = ephPub
	cs.haveRemote = true
	return true, nil
}

// GenerateClientAuth computes the shared secrets ab/aB, builds and stores
// hello, and returns the 112-byte third handshake message.
func (cs *ClientState) GenerateClientAuth() ([112]byte, error) {
	var out [112]byte

	ab, err := ECDH(cs.localEphSK, cs.remoteEphPub)
	if err != nil {
		return out, fmt.Errorf("compute ab: %w", err)
	}
	cs.ab = ab

	remoteCurvePK, err := SignPublicKeyToCurve25519(cs.remoteSignPK)
	if err != nil {
		return out, fmt.Errorf("convert server sign key: %w", err)
	}
	aB, err := ECDH(cs.localEphSK, remoteCurvePK)
	if err != nil {
		return out, fmt.Errorf("compute aB: %w", err)
	}
	cs.aB = aB

	cs.sharedHash = SHA256Sum(cs.ab[:])

	sig := Sign(cs.localSignKP.PrivateKey, concat(cs.appKey[:], cs.remoteSignPK[:], cs.sharedHash[:]))
	copy(cs.hello[:64], sig[:])
	copy(cs.hello[64:], cs.localSignKP.PublicKey[:])

	key := SHA256Sum(cs.appKey[:], cs.ab[:], cs.aB[:])
	var nonce [24]byte
	sealed := secretbox.Seal(nil, cs.hello[:], &nonce, &key)
	copy(out[:], sealed)
	return out, nil
}

// VerifyServerAccept validates the server's 80-byte fourth message,
// deriving the Ab shared secret and the post-handshake box secret. Session
// keys may be extracted only after this returns true.
func (cs *ClientState) VerifyServerAccept(buf [80]byte) (bool, error) {
	localCurveSK := SignPrivateKeyToCurve25519(cs.localSignKP.PrivateKey)
	Ab, err := ECDH(localCurveSK, cs.remoteEphPub)
	if err != nil {
		return false, fmt.Errorf("compute Ab: %w", err)
	}
	cs.Ab = Ab

	key4 := SHA256Sum(cs.appKey[:], cs.ab[:], cs.aB[:], cs.Ab[:])
	cs.boxSecret = SHA256Sum(key4[:])

	var nonce [24]byte
	plaintext, ok := secretbox.Open(nil, buf[:], &nonce, &key4)
	if !ok {
		return false, newError(ErrBadAccept, fmt.Errorf("server accept failed to open"))
	}
	if len(plaintext) != SignatureSize {
		return false, newError(ErrBadAccept, fmt.Errorf("server accept has wrong length"))
	}
	var sig [SignatureSize]byte
	copy(sig[:], plaintext)

	if !Verify(cs.remoteSignPK, concat(cs.appKey[:], cs.hello[:], cs.sharedHash[:]), sig) {
		return false, newError(ErrBadAccept, fmt.Errorf("server accept signature invalid"))
	}
	return true, nil
}

// SessionKeys holds the four derived keys/nonces a Boxer/Unboxer pair is
// seeded from.
type SessionKeys struct {
	EncryptKey   [32]byte
	DecryptKey   [32]byte
	EncryptNonce [NonceSize]byte
	DecryptNonce [NonceSize]byte
}

// GetSessionKeys derives the post-handshake session keys. Must be called
// only after a successful VerifyServerAccept.
func (cs *ClientState) GetSessionKeys() SessionKeys {
	var sk SessionKeys
	sk.EncryptKey = SHA256Sum(cs.boxSecret[:], cs.remoteSignPK[:])
	sk.DecryptKey = SHA256Sum(cs.boxSecret[:], cs.localSignKP.PublicKey[:])

	encNonce := HMACSHA512256(cs.appKey[:], cs.remoteEphPub[:])
	decNonce := HMACSHA512256(cs.appKey[:], cs.localEphPub[:])
	copy(sk.EncryptNonce[:], encNonce[:NonceSize])
	copy(sk.DecryptNonce[:], decNonce[:NonceSize])
	return sk
}

// Clean zeroes all derived secrets and the ephemeral private key. Idempotent.
func (cs *ClientState) Clean() {
	if cs.cleaned {
		return
	}
	ZeroKey(&cs.localEphSK)
	ZeroKey(&cs.ab)
	ZeroKey(&cs.aB)
	ZeroKey(&cs.Ab)
	ZeroBytes(cs.sharedHash[:])
	ZeroBytes(cs.hello[:])
	ZeroBytes(cs.boxSecret[:])
	cs.cleaned = true
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
