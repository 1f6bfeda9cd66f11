package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordProvider resolves secrets from a 1Password Connect vault.
//
// Environment:
//   - OP_CONNECT_HOST: Connect server URL
//   - OP_CONNECT_TOKEN: Connect access token
//   - OP_VAULT_ID: vault UUID holding build-swarm items
type OnePasswordProvider struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu  sync.Mutex
	key *SSHKeyPair
}

// OnePasswordConfig holds the Connect coordinates.
type OnePasswordConfig struct {
	Host    string
	Token   string
	VaultID string
}

func NewOnePasswordProvider(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordProvider, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault id are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "build-swarm-control-plane")
	logger.Info("using 1Password secrets backend", "vault", cfg.VaultID)
	return &OnePasswordProvider{client: client, vaultID: cfg.VaultID, logger: logger}, nil
}

func (p *OnePasswordProvider) ProvisioningKey(ctx context.Context) (*SSHKeyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil {
		return p.key, nil
	}

	key, err := p.loadKey(ProvisioningKeyName)
	if err != nil {
		return nil, err
	}
	if key == nil {
		key, err = GenerateKeyPair(ProvisioningKeyName)
		if err != nil {
			return nil, err
		}
		if err := p.storeKey(key); err != nil {
			return nil, fmt.Errorf("storing key in vault: %w", err)
		}
		p.logger.Info("created provisioning SSH key in vault", "fingerprint", key.Fingerprint)
	}
	p.key = key
	return key, nil
}

func (p *OnePasswordProvider) Secret(ctx context.Context, name string) (string, error) {
	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing vault items: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}
	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("reading vault item: %w", err)
	}
	for _, f := range item.Fields {
		if f.ID == "credential" || f.ID == "password" || f.Label == "credential" {
			return f.Value, nil
		}
	}
	return "", nil
}

func (p *OnePasswordProvider) Close() error {
	p.mu.Lock()
	p.key = nil
	p.mu.Unlock()
	return nil
}

func (p *OnePasswordProvider) loadKey(name string) (*SSHKeyPair, error) {
	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing vault items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return nil, fmt.Errorf("reading vault item: %w", err)
	}

	key := &SSHKeyPair{Name: name, KeyType: "ed25519"}
	for _, f := range item.Fields {
		switch f.ID {
		case "public_key":
			key.PublicKey = f.Value
		case "private_key":
			key.PrivateKey = []byte(f.Value)
		case "fingerprint":
			key.Fingerprint = f.Value
		}
	}
	if len(key.PrivateKey) == 0 {
		return nil, fmt.Errorf("vault item %s has no private_key field", name)
	}
	return key, nil
}

func (p *OnePasswordProvider) storeKey(key *SSHKeyPair) error {
	item := &onepassword.Item{
		Title:    key.Name,
		Category: onepassword.SSHKey,
		Vault:    onepassword.ItemVault{ID: p.vaultID},
		Fields: []*onepassword.ItemField{
			{ID: "public_key", Label: "public key", Type: "STRING", Value: key.PublicKey},
			{ID: "private_key", Label: "private key", Type: "CONCEALED", Value: string(key.PrivateKey)},
			{ID: "fingerprint", Label: "fingerprint", Type: "STRING", Value: key.Fingerprint},
		},
	}
	_, err := p.client.CreateItem(item, p.vaultID)
	return err
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}
