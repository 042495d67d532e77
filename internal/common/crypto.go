package common

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"
)

// GeneratePrivateKey generates a new libp2p private key using the Ed25519 algorithm.
func GeneratePrivateKey() (libp2pcrypto.PrivKey, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

// EncodePrivateKeyBase64 encodes a private key as a base64 string.
func EncodePrivateKeyBase64(priv libp2pcrypto.PrivKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("private key cannot be nil")
	}
	data, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePrivateKeyBase64 decodes a base64 string into a libp2p private key.
func DecodePrivateKeyBase64(b64 string) (libp2pcrypto.PrivKey, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 private key: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return priv, nil
}

// LoadOrCreateKey reads the node identity key from path, generating and
// persisting a fresh one on first start. An empty path yields an ephemeral key.
func LoadOrCreateKey(path string) (libp2pcrypto.PrivKey, error) {
	if path == "" {
		return GeneratePrivateKey()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		return DecodePrivateKeyBase64(string(raw))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read node key %s: %w", path, err)
	}

	priv, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	encoded, err := EncodePrivateKeyBase64(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write node key %s: %w", path, err)
	}
	return priv, nil
}

// PeerIDFromPrivateKey derives the peer ID from a given private key.
func PeerIDFromPrivateKey(priv libp2pcrypto.PrivKey) (peer.ID, error) {
	if priv == nil {
		return "", fmt.Errorf("private key cannot be nil")
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to derive peer ID: %w", err)
	}
	return id, nil
}

// PublicKeyBase64 encodes a public key to a base64 string.
func PublicKeyBase64(pub libp2pcrypto.PubKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("public key cannot be nil")
	}
	data, err := libp2pcrypto.MarshalPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// PublicKeyFromBase64 decodes a base64-encoded public key.
func PublicKeyFromBase64(b64 string) (libp2pcrypto.PubKey, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 public key: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	pub, err := libp2pcrypto.UnmarshalPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return pub, nil
}
