package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ServerState drives the server side of the Secret Handshake protocol for a
// single connection. Mirror image of ClientState; see its documentation.
type ServerState struct {
	appKey [KeySize]byte

	localSignKP SigningKeypair
	localEphPub [KeySize]byte
	localEphSK  [KeySize]byte

	remoteSignPK [SignPublicKeySize]byte
	haveRemoteID bool

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

// NewServerState constructs server handshake state for a listening identity.
// ephemeral and appKey behave as in NewClientState.
func NewServerState(local SigningKeypair, ephemeral *[2][KeySize]byte, appKey *[KeySize]byte) (*ServerState, error) {
	ss := &ServerState{localSignKP: local}
	if appKey != nil {
		ss.appKey = *appKey
	} else {
		ss.appKey = DefaultAppKey()
	}

	if ephemeral != nil {
		ss.localEphSK = ephemeral[0]
		ss.localEphPub = ephemeral[1]
	} else {
		sk, pk, err := GenerateEphemeralKeypair()
		if err != nil {
			return nil, fmt.Errorf("generate server ephemeral keypair: %w", err)
		}
		ss.localEphSK, ss.localEphPub = sk, pk
	}

	ss.localAppHMAC = HMACSHA512256(ss.appKey[:], ss.localEphPub[:])
	return ss, nil
}

// VerifyClientChallenge validates the client's 64-byte first handshake
// message. See ClientState.VerifyServerChallenge for the reciprocal check.
func (ss *ServerState) VerifyClientChallenge(buf [64]byte) (bool, error) {
	var mac [HMACSize]byte
	var ephPub [KeySize]byte
	copy(mac[:], buf[:32])
	copy(ephPub[:], buf[32:])

	expected := HMACSHA512256(ss.appKey[:], ephPub[:])
	if expected != mac {
		return false, newError(ErrBadAppKey, fmt.Errorf("client challenge MAC mismatch"))
	}

	if ss.haveRemote {
		return false, newError(ErrBadAppKey, fmt.Errorf("remote challenge already stored for this connection"))
	}
	ss.remoteAppHMAC = mac
	ss.remoteEphPub = ephPub
	ss.haveRemote = true
	return true, nil
}

// GenerateChallenge returns the 64-byte second handshake message.
func (ss *ServerState) GenerateChallenge() [64]byte {
	var out [64]byte
	copy(out[:32], ss.localAppHMAC[:])
	copy(out[32:], ss.localEphPub[:])
	return out
}

// VerifyClientAuth validates the client's 112-byte third handshake message,
// recomputing ab/aB and recovering the client's long-term public key.
func (ss *ServerState) VerifyClientAuth(buf [112]byte) (bool, error) {
	ab, err := ECDH(ss.localEphSK, ss.remoteEphPub)
	if err != nil {
		return false, fmt.Errorf("compute ab: %w", err)
	}
	ss.ab = ab

	localCurveSK := SignPrivateKeyToCurve25519(ss.localSignKP.PrivateKey)
	aB, err := ECDH(localCurveSK, ss.remoteEphPub)
	if err != nil {
		return false, fmt.Errorf("compute aB: %w", err)
	}
	ss.aB = aB

	ss.sharedHash = SHA256Sum(ss.ab[:])

	key := SHA256Sum(ss.appKey[:], ss.ab[:], ss.aB[:])
	var nonce [24]byte
	plaintext, ok := secretbox.Open(nil, buf[:], &nonce, &key)
	if !ok {
		return false, newError(ErrBadAuth, fmt.Errorf("client auth failed to open"))
	}
	if len(plaintext) != 96 {
		return false, newError(ErrBadAuth, fmt.Errorf("client auth has wrong length"))
	}

	var sig [SignatureSize]byte
	var clientSignPK [SignPublicKeySize]byte
	copy(sig[:], plaintext[:64])
	copy(clientSignPK[:], plaintext[64:])

	if !Verify(clientSignPK, concat(ss.appKey[:], ss.localSignKP.PublicKey[:], ss.sharedHash[:]), sig) {
		return false, newError(ErrBadAuth, fmt.Errorf("client auth signature invalid"))
	}

	ss.remoteSignPK = clientSignPK
	ss.haveRemoteID = true
	copy(ss.hello[:], plaintext)
	return true, nil
}

// GenerateAccept computes the Ab shared secret, signs the transcript, and
// returns the 80-byte fourth handshake message.
func (ss *ServerState) GenerateAccept() ([80]byte, error) {
	var out [80]byte
	if !ss.haveRemoteID {
		return out, fmt.Errorf("generate accept called before client identity verified")
	}

	remoteCurvePK, err := SignPublicKeyToCurve25519(ss.remoteSignPK)
	if err != nil {
		return out, fmt.Errorf("convert client sign key: %w", err)
	}
	Ab, err := ECDH(ss.localEphSK, remoteCurvePK)
	if err != nil {
		return out, fmt.Errorf("compute Ab: %w", err)
	}
	ss.Ab = Ab

	key4 := SHA256Sum(ss.appKey[:], ss.ab[:], ss.aB[:], ss.Ab[:])
	ss.boxSecret = SHA256Sum(key4[:])

	sig := Sign(ss.localSignKP.PrivateKey, concat(ss.appKey[:], ss.hello[:], ss.sharedHash[:]))

	var nonce [24]byte
	sealed := secretbox.Seal(nil, sig[:], &nonce, &key4)
	copy(out[:], sealed)
	return out, nil
}

// GetSessionKeys derives the post-handshake session keys. Must be called
// only after a successful GenerateAccept.
func (ss *ServerState) GetSessionKeys() SessionKeys {
	var sk SessionKeys
	sk.EncryptKey = SHA256Sum(ss.boxSecret[:], ss.remoteSignPK[:])
	sk.DecryptKey = SHA256Sum(ss.boxSecret[:], ss.localSignKP.PublicKey[:])

	encNonce := HMACSHA512256(ss.appKey[:], ss.remoteEphPub[:])
	decNonce := HMACSHA512256(ss.appKey[:], ss.localEphPub[:])
	copy(sk.EncryptNonce[:], encNonce[:NonceSize])
	copy(sk.DecryptNonce[:], decNonce[:NonceSize])
	return sk
}

// RemoteSignPublicKey returns the client's long-term public key, valid only
// after a successful VerifyClientAuth.
func (ss *ServerState) RemoteSignPublicKey() [SignPublicKeySize]byte {
	return ss.remoteSignPK
}

// Clean zeroes all derived secrets and the ephemeral private key. Idempotent.
func (ss *ServerState) Clean() {
	if ss.cleaned {
		return
	}
	ZeroKey(&ss.localEphSK)
	ZeroKey(&ss.ab)
	ZeroKey(&ss.aB)
	ZeroKey(&ss.Ab)
	ZeroBytes(ss.sharedHash[:])
	ZeroBytes(ss.hello[:])
	ZeroBytes(ss.boxSecret[:])
	ss.cleaned = true
}
