package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"remote-admin-gateway/internal/client"
)

func (e *env) api() (*client.API, error) {
	tok, err := e.token()
	if err != nil {
		return nil, err
	}
	return &client.API{BaseURL: e.baseURL(), Token: tok}, nil
}

func newConnectionsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Manage the connections stored on the gateway",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			conns, err := api.ListConnections(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTARGET\tPASSWORD\tLAST CONNECTED")
			for _, c := range conns {
				fmt.Fprintf(tw, "%s\t%s@%s:%d\t%t\t%s\n", c.ID, c.Username, c.Host, c.Port, c.HasPassword, c.LastConnectionAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	password := &cobra.Command{
		Use:   "password ID",
		Short: "Print the stored password of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			pw, err := api.RevealPassword(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(pw)
			return nil
		},
	}
	forget := &cobra.Command{
		Use:   "forget ID",
		Short: "Delete a stored connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			return api.ForgetConnection(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(list, password, forget)
	return cmd
}

func newSessionsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			sessions, err := api.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTARGET\tSTATE\tATTACHED\tGRACE UNTIL")
			for _, s := range sessions {
				grace := "-"
				if s.GraceDeadline != nil {
					grace = s.GraceDeadline.Local().Format(time.TimeOnly)
				}
				fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%t\t%s\n", s.ID, s.Target.Username, s.Target.Address(), s.State, s.Bound, grace)
			}
			return tw.Flush()
		},
	}
}

func newAuditCmd(e *env) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show your audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := e.api()
			if err != nil {
				return err
			}
			logs, err := api.ListAudit(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tSESSION\tIP\tDETAILS")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", l.CreatedAt.Local().Format(time.DateTime), l.Action, l.Resource, l.SessionID, l.IP, l.Metadata)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}
