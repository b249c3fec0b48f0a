package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"remote-admin-gateway/internal/client"
)

// Build info, set with -ldflags.
var (
	Version = "dev"
	GitHash = "undefined"
)

// env holds the resolved settings shared by every subcommand.
type env struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	e := &env{v: viper.New()}
	var cfgFile string

	root := &cobra.Command{
		Use:           "adminctl",
		Short:         "Remote admin gateway client",
		Version:       fmt.Sprintf("%s (%s)", Version, GitHash),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.init(cfgFile)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.adminctl.yaml)")
	pf.String("gateway", "http://localhost:8080", "gateway base URL")
	pf.String("token", "", "gateway auth token")
	pf.String("cache", "", "connection cache file (default <user cache dir>/adminctl/connection.json)")
	pf.String("key-dir", "", "directory for the cache obfuscation key (default $XDG_RUNTIME_DIR/adminctl, else beside the cache)")
	pf.String("log-level", "warn", "log level")
	for _, k := range []string{"gateway", "token", "cache", "key-dir", "log-level"} {
		_ = e.v.BindPFlag(k, pf.Lookup(k))
	}

	root.AddCommand(
		newConnectCmd(e),
		newAttachCmd(e),
		newDisconnectCmd(e),
		newStatusCmd(e),
		newLsCmd(e),
		newCatCmd(e),
		newPutCmd(e),
		newPkgCmd(e),
		newRunCmd(e),
		newConnectionsCmd(e),
		newSessionsCmd(e),
		newAuditCmd(e),
	)
	return root
}

// init reads the optional config file and ADMINCTL_* environment variables.
func (e *env) init(cfgFile string) error {
	e.v.SetEnvPrefix("adminctl")
	e.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	e.v.AutomaticEnv()
	if cfgFile != "" {
		e.v.SetConfigFile(cfgFile)
	} else {
		e.v.SetConfigName(".adminctl")
		e.v.SetConfigType("yaml")
		e.v.AddConfigPath("$HOME")
	}
	if err := e.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}
	lvl, err := log.ParseLevel(e.v.GetString("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	return nil
}

func (e *env) baseURL() string { return strings.TrimRight(e.v.GetString("gateway"), "/") }

func (e *env) token() (string, error) {
	t := e.v.GetString("token")
	if t == "" {
		return "", errors.New("no auth token; set --token or ADMINCTL_TOKEN")
	}
	return t, nil
}

// wsURL maps the gateway base URL to its channel endpoint.
func (e *env) wsURL() (string, error) {
	u, err := url.Parse(e.baseURL())
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (e *env) cachePath() (string, error) {
	if p := e.v.GetString("cache"); p != "" {
		return p, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "adminctl", "connection.json"), nil
}

// keyDir is where the cache key lives: --key-dir, else the per-login runtime dir, else beside the cache.
func (e *env) keyDir() string {
	if d := e.v.GetString("key-dir"); d != "" {
		return d
	}
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return filepath.Join(d, "adminctl")
	}
	return ""
}

// controller builds a controller over the cached connection. notify may be nil.
func (e *env) controller(notify func(client.Notice)) (*client.Controller, *client.Cache, error) {
	tok, err := e.token()
	if err != nil {
		return nil, nil, err
	}
	ws, err := e.wsURL()
	if err != nil {
		return nil, nil, err
	}
	path, err := e.cachePath()
	if err != nil {
		return nil, nil, err
	}
	cache, err := client.OpenCache(path, client.WithKeyDir(e.keyDir()))
	if err != nil {
		return nil, nil, err
	}
	ctrl := client.NewController(&client.WSDialer{URL: ws, Token: tok}, cache, client.Config{Notify: notify})
	return ctrl, cache, nil
}

// attached restores the cached session for a one-off command. The channel closes when the command
// returns and the session waits in its grace period for the next one.
func (e *env) attached(ctx context.Context, notify func(client.Notice)) (*client.Controller, error) {
	ctrl, _, err := e.controller(notify)
	if err != nil {
		return nil, err
	}
	if _, err := ctrl.Recover(ctx); err != nil {
		if errors.Is(err, client.ErrNothingToRecover) {
			return nil, errors.New("not connected; run adminctl connect first")
		}
		return nil, err
	}
	return ctrl, nil
}

func printNotice(n client.Notice) {
	switch n.State {
	case client.StateResumed, client.StateFresh, client.StateFailed:
		if n.Message != "" {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", n.State, n.Message)
		}
	}
}
