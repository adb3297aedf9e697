package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultConnectTimeout = 10 * time.Second

// sshDialer owns one SSH connection to a manager node and reconnects when it
// dies. Docker API connections are tunnelled to the manager's socket.
type sshDialer struct {
	creds  Credentials
	config *ssh.ClientConfig
	logger *slog.Logger

	mu     sync.Mutex // Protects client
	client *ssh.Client
}

func newSSHDialer(creds Credentials, logger *slog.Logger) (*sshDialer, error) {
	if creds.Host == "" {
		return nil, NewSwarmError("NewClient", "", "no manager host configured", ErrMissingHost)
	}
	signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
	if err != nil {
		return nil, NewSwarmError("NewClient", "", fmt.Sprintf("parse SSH private key: %v", err), ErrInvalidKey)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if creds.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(creds.KnownHostsFile)
		if err != nil {
			return nil, NewSwarmError("NewClient", "", fmt.Sprintf("load known_hosts: %v", err), err)
		}
	} else {
		logger.Warn("SSH host key verification disabled", "host", creds.Host)
	}

	if creds.Port == 0 {
		creds.Port = 22
	}
	if creds.Socket == "" {
		creds.Socket = DefaultSocket
	}
	if creds.ConnectTimeout == 0 {
		creds.ConnectTimeout = defaultConnectTimeout
	}

	return &sshDialer{
		creds: creds,
		config: &ssh.ClientConfig{
			User:            creds.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         creds.ConnectTimeout,
		},
		logger: logger,
	}, nil
}

func (d *sshDialer) addr() string {
	return net.JoinHostPort(d.creds.Host, strconv.Itoa(d.creds.Port))
}

// DialContext satisfies client.WithDialContext. The requested address is
// ignored: every connection goes to the manager's Docker socket.
func (d *sshDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	sc, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := sc.DialContext(ctx, "unix", d.creds.Socket)
	if err != nil {
		d.reset(sc)
		return nil, NewSwarmError("Dial", "", fmt.Sprintf("open %s on %s: %v", d.creds.Socket, d.addr(), err), ErrConnectionFailed)
	}
	return conn, nil
}

// connect establishes the SSH connection if not already connected.
func (d *sshDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		if _, _, err := d.client.SendRequest("keepalive@promoter", true, nil); err == nil {
			return d.client, nil
		}
		d.client.Close()
		d.client = nil
	}

	addr := d.addr()
	dialer := net.Dialer{Timeout: d.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewSwarmError("Dial", "", fmt.Sprintf("SSH dial %s: %v", addr, err), ErrConnectionFailed)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, NewSwarmError("Dial", "", fmt.Sprintf("SSH handshake %s: %v", addr, err), ErrAuthFailed)
		}
		if isAuthError(err) {
			return nil, NewSwarmError("Dial", "", fmt.Sprintf("SSH host key %s: %v", addr, err), err)
		}
		return nil, NewSwarmError("Dial", "", fmt.Sprintf("SSH handshake %s: %v", addr, err), ErrConnectionFailed)
	}

	d.client = ssh.NewClient(c, chans, reqs)
	d.logger.Debug("SSH connection established", "addr", addr, "user", d.config.User)
	return d.client, nil
}

func (d *sshDialer) reset(sc *ssh.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == sc && d.client != nil {
		d.client.Close()
		d.client = nil
	}
}

// Close closes the SSH connection.
func (d *sshDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		err := d.client.Close()
		d.client = nil
		return err
	}
	return nil
}
