package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"remote-admin-gateway/internal/session/domain"
)

func newConnectCmd(e *env) *cobra.Command {
	var (
		identity      string
		askPassphrase bool
		noRemember    bool
		detach        bool
	)
	cmd := &cobra.Command{
		Use:   "connect user@host[:port]",
		Short: "Open a session on a target host and attach an interactive shell",
		Long: "Open a session on a target host and attach an interactive shell.\n" +
			"Press Ctrl-] to detach; the session stays open for its grace period and adminctl attach resumes it.\n" +
			"An empty password reuses the password the gateway stored for this target.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			var creds domain.Credentials
			if identity != "" {
				key, err := os.ReadFile(identity)
				if err != nil {
					return fmt.Errorf("identity: %w", err)
				}
				creds.PrivateKey = string(key)
				if askPassphrase {
					if creds.Passphrase, err = readSecret("key passphrase: "); err != nil {
						return err
					}
				}
			} else if creds.Password, err = readSecret(fmt.Sprintf("%s's password (empty for stored): ", target.Address())); err != nil {
				return err
			}

			sh := newShell()
			ctrl, _, err := e.controller(sh.notice)
			if err != nil {
				return err
			}
			id, err := ctrl.Connect(cmd.Context(), target, creds, !noRemember)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "session %s open on %s\n", id, target.Address())
			if detach {
				return nil
			}
			return sh.run(cmd.Context(), ctrl)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&identity, "identity", "i", "", "private key file to authenticate with instead of a password")
	f.BoolVar(&askPassphrase, "ask-passphrase", false, "prompt for the private key passphrase")
	f.BoolVar(&noRemember, "no-remember", false, "do not store the password on the gateway")
	f.BoolVarP(&detach, "detach", "d", false, "open the session without attaching a shell")
	return cmd
}

func newAttachCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Resume the cached session and attach an interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh := newShell()
			ctrl, err := e.attached(cmd.Context(), sh.notice)
			if err != nil {
				return err
			}
			return sh.run(cmd.Context(), ctrl)
		},
	}
}

func newDisconnectCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "End the cached session and forget it locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, cache, err := e.controller(nil)
			if err != nil {
				return err
			}
			if _, ok := cache.Target(); !ok {
				return cache.Clear()
			}
			if _, err := ctrl.Recover(cmd.Context()); err != nil {
				// the session is gone already; only the local state is left
				return cache.Clear()
			}
			return ctrl.Disconnect(cmd.Context())
		},
	}
}

func newStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cached connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cache, err := e.controller(nil)
			if err != nil {
				return err
			}
			target, ok := cache.Target()
			if !ok {
				fmt.Println("not connected")
				return nil
			}
			sid := cache.SessionID()
			if sid == "" {
				sid = "-"
			}
			fmt.Printf("target:      %s@%s\nsession:     %s\nremember:    %t\ncredentials: %t\n",
				target.Username, target.Address(), sid, cache.Remember(), cache.HasSecrets())
			return nil
		},
	}
}

// parseTarget parses user@host[:port]; IPv6 hosts need brackets when a port is given.
func parseTarget(s string) (domain.Target, error) {
	user, hostport, ok := strings.Cut(s, "@")
	if !ok || user == "" || hostport == "" {
		return domain.Target{}, fmt.Errorf("target %q: want user@host[:port]", s)
	}
	t := domain.Target{Username: user, Host: hostport}
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return domain.Target{}, fmt.Errorf("target %q: bad port", s)
		}
		t.Host, t.Port = host, p
	}
	if err := t.Validate(); err != nil {
		return domain.Target{}, err
	}
	return t, nil
}

// readSecret prompts on stderr without echo. Without a terminal it reads one line from stdin.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
