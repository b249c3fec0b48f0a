package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"remote-admin-gateway/internal/ops"
	"remote-admin-gateway/internal/protocol"
)

// call runs one command on the cached session and decodes its result into out.
func (e *env) call(ctx context.Context, eventType string, payload, out any, onEvent func(protocol.Envelope)) (string, error) {
	ctrl, err := e.attached(ctx, printNotice)
	if err != nil {
		return "", err
	}
	defer func() {
		if conn := ctrl.Conn(); conn != nil {
			_ = conn.Close()
		}
	}()
	reply, err := ctrl.Call(ctx, eventType, payload, onEvent)
	if err != nil {
		return "", err
	}
	if out != nil {
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return "", fmt.Errorf("decode %s: %w", reply.Type, err)
		}
	}
	return reply.Type, nil
}

// printOutput writes streamed shell and script output as it arrives.
func printOutput(env protocol.Envelope) {
	var p struct {
		Data string `json:"data"`
	}
	switch env.Type {
	case protocol.TypeShellOutput, protocol.TypeScriptOutput:
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			_, _ = io.WriteString(os.Stdout, p.Data)
		}
	}
}

func newLsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "ls PATH",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Entries []ops.FileEntry `json:"entries"`
			}
			if _, err := e.call(cmd.Context(), protocol.TypeFileList, protocol.FilePath{Path: args[0]}, &res, nil); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, en := range res.Entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", en.Mode, en.Size, en.ModTime.Format("2006-01-02 15:04"), en.Name)
			}
			return tw.Flush()
		},
	}
}

func newCatCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fc ops.FileContent
			if _, err := e.call(cmd.Context(), protocol.TypeFileRead, protocol.FilePath{Path: args[0]}, &fc, nil); err != nil {
				return err
			}
			data := []byte(fc.Content)
			if fc.Encoding == "base64" {
				var err error
				if data, err = base64.StdEncoding.DecodeString(fc.Content); err != nil {
					return err
				}
			}
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
			if fc.Truncated {
				fmt.Fprintf(os.Stderr, "\n(truncated at %d bytes)\n", len(data))
			}
			return nil
		},
	}
}

func newPutCmd(e *env) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Replace a remote file with a local one (- reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var res ops.WriteResult
			if _, err := e.call(cmd.Context(), protocol.TypeFileWrite, protocol.FileWrite{Path: args[1], Content: string(data), Mode: mode}, &res, nil); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", res.Bytes, res.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "octal permissions for the remote file (e.g. 0644)")
	return cmd
}

func newPkgCmd(e *env) *cobra.Command {
	pkg := &cobra.Command{Use: "pkg", Short: "Search and install packages on the target"}

	var timeoutMs int
	search := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search the target's package index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Manager  string        `json:"manager"`
				Packages []ops.Package `json:"packages"`
			}
			typ, err := e.call(cmd.Context(), protocol.TypePackageSearch, protocol.PackageSearch{Query: args[0], TimeoutMs: timeoutMs}, &res, nil)
			if err != nil {
				return err
			}
			if typ == protocol.TypePackageSearchTimeout {
				fmt.Fprintln(os.Stderr, "search is still running; late results appear in the shell")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, p := range res.Packages {
				fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Summary)
			}
			return tw.Flush()
		},
	}
	search.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "bounded wait override in milliseconds")

	install := &cobra.Command{
		Use:   "install NAME",
		Short: "Install a package, streaming the installer output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res ops.InstallResult
			if _, err := e.call(cmd.Context(), protocol.TypePackageInstall, protocol.PackageInstall{Name: args[0]}, &res, printOutput); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "installed %s with %s\n", res.Name, res.Manager)
			return nil
		},
	}
	pkg.AddCommand(search, install)
	return pkg
}

func newRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run SCRIPT [ARGS...]",
		Short: "Run a catalog script on the target",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				ExitCode int `json:"exitCode"`
			}
			if _, err := e.call(cmd.Context(), protocol.TypeScriptRun, protocol.ScriptRun{Name: args[0], Args: args[1:]}, &res, printOutput); err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("script %s exited with %d", args[0], res.ExitCode)
			}
			return nil
		},
	}
}
