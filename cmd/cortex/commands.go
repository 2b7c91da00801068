package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nugget/cortex-agent/internal/buildinfo"
	"github.com/nugget/cortex-agent/internal/session"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// ask
// =============================================================================

func buildAskCmd(g *globalFlags) *cobra.Command {
	var (
		sessionID string
		model     string
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "ask [flags] MESSAGE...",
		Short: "Run one turn against a session and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.sessions.Get(ctx, sessionID)
			if err != nil {
				return err
			}

			// JSON output reports the final state, so the turn is batched.
			wantStream := stream && g.output == "text"
			resp, err := actor.Chat(ctx, session.ChatRequest{
				Message: strings.Join(args, " "),
				Model:   model,
				Stream:  wantStream,
				Mode:    "cli",
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if wantStream {
				defer resp.Stream.Close()
				if _, err := io.Copy(out, resp.Stream); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return nil
			}
			if g.output == "json" {
				return printJSON(out, resp.State)
			}
			msgs := resp.State.Messages
			fmt.Fprintln(out, msgs[len(msgs)-1].Content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session ID")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model for this and later turns of the session")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the reply as it is produced")
	return cmd
}

// =============================================================================
// link
// =============================================================================

func buildLinkCmd(g *globalFlags) *cobra.Command {
	var (
		sessionID string
		baseURL   string
	)
	cmd := &cobra.Command{
		Use:   "link SERVICE",
		Short: "Print a consent URL for linking an account to a session",
		Long: `Print the consent URL for SERVICE (gmail, calendar, drive, contacts)
and a terminal QR code for opening it on a phone. The consent redirect
lands on the running server's /api/auth/callback.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.Listen.PublicURL = strings.TrimRight(baseURL, "/")
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			backend, st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			url, err := newCredsManager(cfg, st, logger, nil).AuthURL(sessionID, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.output == "json" {
				return printJSON(out, map[string]string{"sessionId": sessionID, "service": args[0], "url": url})
			}
			fmt.Fprintln(out, url)
			qr, err := qrcode.New(url, qrcode.Medium)
			if err != nil {
				logger.Debug("qr code skipped", "error", err)
				return nil
			}
			fmt.Fprint(out, qr.ToSmallString(false))
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session ID to link the account to")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public server origin for the redirect (default: listen.public_url)")
	return cmd
}

// =============================================================================
// sessions
// =============================================================================

func buildSessionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			backend, st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.output == "json" {
				return printJSON(out, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODEL\tLAST ACTIVE")
			for _, s := range sessions {
				model := s.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, model, s.LastActive.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(buildSessionsRmCmd(g))
	return cmd
}

func buildSessionsRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Delete a session and everything it owns",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			backend, st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			deleted, err := st.DeleteSession(cmd.Context(), args[0])
			if err != nil && !deleted {
				return err
			}
			if err != nil {
				logger.Warn("session deleted with orphaned records", "session", args[0], "error", err)
			}
			if !deleted {
				return fmt.Errorf("session %q not found", args[0])
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"sessionId": args[0], "deleted": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}

// =============================================================================
// version
// =============================================================================

func buildVersionCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			info := buildinfo.Current()
			if g.output == "json" {
				return printJSON(out, info)
			}
			fmt.Fprintln(out, buildinfo.String())
			fmt.Fprintf(out, "  go:       %s\n", info.GoVersion)
			fmt.Fprintf(out, "  platform: %s\n", info.Platform)
			return nil
		},
	}
}
