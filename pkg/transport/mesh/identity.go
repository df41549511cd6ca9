package mesh

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the persistent libp2p identity of a mesh node.
type Identity struct {
	PrivateKey crypto.PrivKey
	PublicKey  crypto.PubKey
	PeerID     peer.ID
}

// GenerateIdentity creates a fresh ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	priv, pub, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, err
	}

	peerID, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     peerID,
	}, nil
}

// SaveIdentity writes the private key to path with owner-only permissions.
func SaveIdentity(identity *Identity, path string) error {
	data, err := crypto.MarshalPrivateKey(identity.PrivateKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// LoadIdentity reads a private key previously written by SaveIdentity.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, err
	}

	pub := priv.GetPublic()
	peerID, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     peerID,
	}, nil
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a
// new one when the file does not exist yet.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		if identity, err := LoadIdentity(path); err == nil {
			return identity, nil
		}
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := SaveIdentity(identity, path); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return identity, nil
}
