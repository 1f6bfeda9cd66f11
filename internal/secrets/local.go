package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalProvider keeps secrets on the local filesystem under one
// directory:
//
//	<dir>/provisioning.pem   private key (0600)
//	<dir>/provisioning.json  key metadata + public key
//	<dir>/secrets/<name>     one plain-text secret per file
type LocalProvider struct {
	dir    string
	logger *slog.Logger

	mu  sync.Mutex
	key *SSHKeyPair
}

func NewLocalProvider(dir string, logger *slog.Logger) (*LocalProvider, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".build-swarm", "secrets")
	}
	if err := os.MkdirAll(filepath.Join(dir, "secrets"), 0o700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}
	logger.Info("using local secrets store", "path", dir)
	return &LocalProvider{dir: dir, logger: logger}, nil
}

func (p *LocalProvider) ProvisioningKey(ctx context.Context) (*SSHKeyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil {
		return p.key, nil
	}

	pemPath := filepath.Join(p.dir, "provisioning.pem")
	metaPath := filepath.Join(p.dir, "provisioning.json")
	if pemBytes, err := os.ReadFile(pemPath); err == nil {
		key := &SSHKeyPair{Name: ProvisioningKeyName, PrivateKey: pemBytes}
		if metaBytes, err := os.ReadFile(metaPath); err == nil {
			if err := json.Unmarshal(metaBytes, key); err != nil {
				return nil, fmt.Errorf("parsing key metadata: %w", err)
			}
			key.PrivateKey = pemBytes
		}
		p.key = key
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading provisioning key: %w", err)
	}

	key, err := GenerateKeyPair(ProvisioningKeyName)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(pemPath, key.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	meta, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		return nil, fmt.Errorf("writing key metadata: %w", err)
	}
	p.logger.Info("created provisioning SSH key", "fingerprint", key.Fingerprint)
	p.key = key
	return key, nil
}

func (p *LocalProvider) Secret(ctx context.Context, name string) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(p.dir, "secrets", name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *LocalProvider) Close() error {
	return nil
}
