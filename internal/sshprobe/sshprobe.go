// Package sshprobe wraps the SSH client used for proof-of-life probes,
// self-healing escalation actions (service restart, reboot), and payload
// deployment. Connections are not pooled: each call dials its own.
package sshprobe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Config holds the per-drone connection parameters resolved from a
// types.DroneConfig.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte
	Timeout    time.Duration
}

// ConfigFromDroneConfig builds a Config from the admin-owned per-drone
// settings, falling back to the given IP and port 22 when unset.
func ConfigFromDroneConfig(dc types.DroneConfig, ip string, keyBytes []byte, timeout time.Duration) Config {
	port := dc.SSHPort
	if port == 0 {
		port = 22
	}
	user := dc.SSHUser
	if user == "" {
		user = "root"
	}
	return Config{
		Host:       ip,
		Port:       port,
		Username:   user,
		Password:   dc.SSHPassword,
		PrivateKey: keyBytes,
		Timeout:    timeout,
	}
}

// Client is a connected SSH session to one drone.
type Client struct {
	client *ssh.Client
	host   string
}

// Connect establishes an SSH connection.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	var authMethods []ssh.AuthMethod
	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method configured for %s", cfg.Host)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	return &Client{client: ssh.NewClient(sshConn, chans, reqs), host: cfg.Host}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Run executes a command remotely and returns stdout, folding stderr into
// the returned error on failure.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			if stderr.Len() > 0 {
				return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
			}
			return stdout.String(), err
		}
		return stdout.String(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		return "", ctx.Err()
	}
}

// CopyReader streams r to destPath on the remote host via the scp
// protocol, used by the payload deployer to push an artifact without
// staging it on disk twice.
func (c *Client) CopyReader(ctx context.Context, r io.Reader, size int64, destPath, mode string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	go func() {
		w, _ := session.StdinPipe()
		defer w.Close()
		fmt.Fprintf(w, "C%s %d %s\n", mode, size, destPath)
		io.Copy(w, r)
		fmt.Fprint(w, "\x00")
	}()

	if err := session.Run("scp -t " + destPath); err != nil {
		return fmt.Errorf("scp failed: %w", err)
	}
	return nil
}

// Pinger is a minimal proof-of-life probe: a single SSH command that must
// succeed quickly. It is kept separate from Run so the self-healing
// monitor can treat connection failure and command failure the same way.
type Pinger struct {
	Dial    func(ctx context.Context, cfg Config) (*Client, error)
	Command string
}

// NewPinger returns a Pinger using the real SSH dialer and "true" as the
// liveness command.
func NewPinger() Pinger {
	return Pinger{Dial: Connect, Command: "true"}
}

// Ping connects, runs the liveness command, and disconnects, returning the
// round-trip latency on success.
func (p Pinger) Ping(ctx context.Context, cfg Config) (time.Duration, error) {
	start := time.Now()
	client, err := p.Dial(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	cmd := p.Command
	if cmd == "" {
		cmd = "true"
	}
	if _, err := client.Run(ctx, cmd); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Reboot issues a best-effort reboot command and returns as soon as the
// command is sent; it deliberately does not wait for the connection to
// drop, since the remote end tearing down the session IS the expected
// outcome of a successful reboot.
func (p Pinger) Reboot(ctx context.Context, cfg Config) error {
	client, err := p.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	session, err := client.client.NewSession()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()
	return session.Start("reboot")
}

// RestartService restarts a named systemd unit on the remote drone, the
// lowest rung of the self-healing escalation ladder.
func (p Pinger) RestartService(ctx context.Context, cfg Config, service string) error {
	client, err := p.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Run(ctx, fmt.Sprintf("systemctl restart %s", service))
	return err
}

// DefaultRebooter adapts a Pinger into health.Rebooter by supplying the
// fixed credentials used for unauthenticated-escalation reboot commands
// (the admin-configured fallback identity, not a per-drone one).
type DefaultRebooter struct {
	Pinger   Pinger
	Username string
	Key      []byte
	Port     int
	Timeout  time.Duration
}

// Reboot implements health.Rebooter.
func (r DefaultRebooter) Reboot(ctx context.Context, ip string) error {
	return r.Pinger.Reboot(ctx, Config{
		Host:       ip,
		Port:       r.Port,
		Username:   r.Username,
		PrivateKey: r.Key,
		Timeout:    r.Timeout,
	})
}
