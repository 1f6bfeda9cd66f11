// Package secrets resolves the control plane's sensitive material: the
// SSH provisioning key used for drone probes and payload deploys, the
// admin shared secret, and any per-drone credentials an operator keeps
// out of the database.
//
// Two backends exist: a 1Password Connect vault for production fleets and
// a local file store for development. The factory picks one from
// configuration, falling back to local when 1Password is not configured.
package secrets

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHKeyPair is a generated SSH identity with its metadata.
type SSHKeyPair struct {
	Name        string     `json:"name"`
	KeyType     string     `json:"key_type"`
	PublicKey   string     `json:"public_key"`
	PrivateKey  []byte     `json:"-"` // PEM, never serialized
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// ProvisioningKeyName is the title the control plane's SSH identity is
// stored under in either backend.
const ProvisioningKeyName = "build-swarm-provisioning"

// AdminSecretName is the secret the admin HTTP listener's shared key can
// be resolved from when it isn't supplied by environment or file.
const AdminSecretName = "build-swarm-admin-key"

// Provider is the secret-resolution surface the rest of the control
// plane sees.
type Provider interface {
	// ProvisioningKey returns the control plane's SSH key pair, creating
	// one on first use.
	ProvisioningKey(ctx context.Context) (*SSHKeyPair, error)

	// Secret returns a named secret's value, or "" when it isn't set.
	Secret(ctx context.Context, name string) (string, error)

	// Close releases backend resources.
	Close() error
}

// GenerateKeyPair creates a fresh Ed25519 SSH key pair.
func GenerateKeyPair(name string) (*SSHKeyPair, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	privPEM, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return &SSHKeyPair{
		Name:        name,
		KeyType:     "ed25519",
		PublicKey:   string(ssh.MarshalAuthorizedKey(sshPub)),
		PrivateKey:  pem.EncodeToMemory(privPEM),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
		CreatedAt:   time.Now(),
	}, nil
}
