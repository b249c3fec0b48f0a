package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"remote-admin-gateway/internal/session/domain"
)

const (
	defaultDialTimeout = 15 * time.Second
	defaultKeepAlive   = 30 * time.Second
	defaultCols        = 120
	defaultRows        = 40
)

// SSHConfig configures SSHDialer.
type SSHConfig struct {
	DialTimeout time.Duration
	// KnownHostsPath verifies host keys; empty accepts any host key unless Strict is set.
	KnownHostsPath string
	// Strict refuses to dial without a known_hosts file.
	Strict    bool
	KeepAlive time.Duration
}

// SSHDialer opens interactive SSH shells with golang.org/x/crypto/ssh.
type SSHDialer struct {
	cfg             SSHConfig
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHDialer validates cfg and loads the known_hosts file if one is configured.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	d := &SSHDialer{cfg: cfg}
	path := strings.TrimSpace(cfg.KnownHostsPath)
	switch {
	case path != "":
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		d.hostKeyCallback = cb
	case cfg.Strict:
		return nil, errors.New("known hosts file is required")
	default:
		log.Warn("ssh: no known_hosts configured, accepting any host key")
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return d, nil
}

// Dial connects, authenticates, and starts an interactive shell with a PTY.
// ctx bounds the TCP connect and handshake only.
func (d *SSHDialer) Dial(ctx context.Context, target domain.Target, creds domain.Credentials) (Conn, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	config, err := d.clientConfig(target, creds)
	if err != nil {
		return nil, err
	}
	addr := target.Address()

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	_ = netConn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if !stop() {
		if err == nil {
			_ = clientConn.Close()
		}
		_ = netConn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = netConn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, chans, reqs)

	c, err := startShell(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	go c.keepAlive(d.cfg.KeepAlive)
	return c, nil
}

func (d *SSHDialer) clientConfig(target domain.Target, creds domain.Credentials) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: private key: %v", ErrAuthFailed, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: no credentials supplied", ErrAuthFailed)
	}
	return &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.cfg.DialTimeout,
	}, nil
}

func isAuthError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

type sshConn struct {
	client  *ssh.Client
	shell   *ssh.Session
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	outW    *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	closeMu sync.Mutex
	closed  bool
}

func startShell(client *ssh.Client) (*sshConn, error) {
	shell, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := shell.RequestPty("xterm-256color", defaultRows, defaultCols, modes); err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := shell.StdinPipe()
	if err != nil {
		_ = shell.Close()
		return nil, err
	}
	pr, pw := io.Pipe()
	shell.Stdout = pw
	shell.Stderr = pw
	if err := shell.Shell(); err != nil {
		_ = shell.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	c := &sshConn{
		client: client,
		shell:  shell,
		stdin:  stdin,
		stdout: pr,
		outW:   pw,
		done:   make(chan struct{}),
	}
	go func() {
		err := shell.Wait()
		_ = pw.CloseWithError(io.EOF)
		if err != nil {
			log.WithError(err).Debug("ssh: shell exited")
		}
		c.finish()
	}()
	return c, nil
}

func (c *sshConn) Stdin() io.Writer  { return c.stdin }
func (c *sshConn) Stdout() io.Reader { return c.stdout }

func (c *sshConn) Resize(cols, rows int) error {
	return c.shell.WindowChange(rows, cols)
}

func (c *sshConn) Exec(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (int, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()
	out := &lockedWriter{w: stdout}
	if stdout == nil {
		out.w = io.Discard
	}
	sess.Stdin = stdin
	sess.Stdout = out
	sess.Stderr = out
	if err := sess.Start(cmd); err != nil {
		return -1, err
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()
	select {
	case err := <-waitErr:
		return exitCode(err)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return -1, ctx.Err()
	case <-c.done:
		return -1, io.ErrUnexpectedEOF
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (c *sshConn) Done() <-chan struct{} { return c.done }

func (c *sshConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()
	_ = c.shell.Close()
	err := c.client.Close()
	_ = c.outW.CloseWithError(io.EOF)
	c.finish()
	return err
}

func (c *sshConn) finish() {
	c.once.Do(func() { close(c.done) })
}

func (c *sshConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.WithError(err).Info("ssh: keepalive failed, closing connection")
				_ = c.Close()
				return
			}
		}
	}
}

// lockedWriter serializes the stdout and stderr copy goroutines writing to one destination.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
