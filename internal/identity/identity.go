// Package identity manages the long-term Ed25519 keypair a peer uses for
// Secret Handshake authentication, persisted to disk in a YAML document
// shaped like the reference implementation's secret file.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/shs/internal/crypto"
)

// secretFileName is the name of the file storing the identity keypair,
// echoing the reference Python implementation's ~/.ssb/secret.
const secretFileName = "secret"

// Identity wraps a long-term Ed25519 keypair.
type Identity struct {
	Keypair crypto.SigningKeypair
}

// secretFile is the on-disk YAML representation of an Identity.
type secretFile struct {
	Curve   string `yaml:"curve"`
	Public  string `yaml:"public"`
	Private string `yaml:"private"`
}

// New generates a fresh Identity.
func New() (Identity, error) {
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity keypair: %w", err)
	}
	return Identity{Keypair: *kp}, nil
}

// PublicKey returns the identity's Ed25519 public key.
func (id Identity) PublicKey() [crypto.SignPublicKeySize]byte {
	return id.Keypair.PublicKey
}

// Store persists the identity to dataDir/secret, creating dataDir if
// necessary, using an atomic write-then-rename at 0700/0600 permissions.
func (id Identity) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	sf := secretFile{
		Curve:   "ed25519",
		Public:  base64.StdEncoding.EncodeToString(id.Keypair.PublicKey[:]),
		Private: base64.StdEncoding.EncodeToString(id.Keypair.PrivateKey[:]),
	}
	data, err := yaml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	filePath := filepath.Join(dataDir, secretFileName)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// Load reads an Identity from dataDir/secret.
func Load(dataDir string) (Identity, error) {
	filePath := filepath.Join(dataDir, secretFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, fmt.Errorf("identity not found at %s", filePath)
		}
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	var sf secretFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return Identity{}, fmt.Errorf("parse identity: %w", err)
	}

	pub, err := base64.StdEncoding.DecodeString(sf.Public)
	if err != nil || len(pub) != crypto.SignPublicKeySize {
		return Identity{}, errors.New("identity: malformed public key")
	}
	priv, err := base64.StdEncoding.DecodeString(sf.Private)
	if err != nil || len(priv) != crypto.SignPrivateKeySize {
		return Identity{}, errors.New("identity: malformed private key")
	}

	var id Identity
	copy(id.Keypair.PublicKey[:], pub)
	copy(id.Keypair.PrivateKey[:], priv)
	return id, nil
}

// LoadOrCreate loads an existing identity from dataDir, or generates and
// persists a new one if none exists. The bool return reports whether a new
// identity was created.
func LoadOrCreate(dataDir string) (Identity, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil
	}
	if !Exists(dataDir) {
		id, err = New()
		if err != nil {
			return Identity{}, false, err
		}
		if err := id.Store(dataDir); err != nil {
			return Identity{}, false, err
		}
		return id, true, nil
	}
	return Identity{}, false, err
}

// Exists reports whether an identity file exists in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, secretFileName))
	return err == nil
}
