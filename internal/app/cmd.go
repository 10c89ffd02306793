package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GreenCappuccino/VaxFinder/internal/config"
	"github.com/GreenCappuccino/VaxFinder/internal/tracker"
)

// newRootCommand はサブコマンドを登録したルートコマンドを構築する。
// サブコマンドなしで起動した場合はworkerとして動作する。
func newRootCommand(logW io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaxfinder",
		Short:         "Vaccine appointment availability tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(logW, "worker", func(cfg *config.Config) error {
				return runWorker(cmd.Context(), cfg)
			})
		},
	}

	root.AddCommand(workerCmd(logW))
	root.AddCommand(migrateCmd(logW))
	root.AddCommand(healthcheckCmd())
	root.AddCommand(trackerCmd(logW))
	return root
}

// runWithConfig は初期化を行ってからfnを実行する。
func runWithConfig(logW io.Writer, command string, fn func(cfg *config.Config) error) error {
	cfg, err := Init(logW)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	slog.Info("starting application",
		slog.String("command", command),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return fn(cfg)
}

func workerCmd(logW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Poll the availability feed and notify matching trackers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(logW, "worker", func(cfg *config.Config) error {
				return runWorker(cmd.Context(), cfg)
			})
		},
	}
}

func migrateCmd(logW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(logW, "migrate", runMigrate)
		},
	}
}

// healthcheckCmd は軽量サブコマンドのため、フル初期化をスキップする。
func healthcheckCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the ops server health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == "" {
				port = os.Getenv("SERVER_PORT")
			}
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Ops server port (defaults to SERVER_PORT)")
	return cmd
}

// --------------------------------------------------------------------------
// tracker command
// --------------------------------------------------------------------------

func trackerCmd(logW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Manage trackers",
	}
	cmd.AddCommand(trackerAddCmd(logW))
	cmd.AddCommand(trackerListCmd(logW))
	cmd.AddCommand(trackerClearCmd(logW))
	cmd.AddCommand(trackerResetCmd(logW))
	return cmd
}

// withTrackerService は初期化とDB接続を行い、fnにサービスを渡す。
func withTrackerService(cmd *cobra.Command, logW io.Writer, fn func(ctx context.Context, svc *tracker.Service) error) error {
	return runWithConfig(logW, cmd.CommandPath(), func(cfg *config.Config) error {
		ctx := cmd.Context()
		svc, closeStore, err := newTrackerService(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		return fn(ctx, svc)
	})
}

func trackerAddCmd(logW io.Writer) *cobra.Command {
	var in tracker.AddInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a tracker for an address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackerService(cmd, logW, func(ctx context.Context, svc *tracker.Service) error {
				t, err := svc.Add(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tracker %s added: %s (%.6f, %.6f) within %s mi, notify via %s\n",
					t.ID, t.Address, t.Latitude, t.Longitude, formatMiles(t.RadiusMiles), t.Target.Kind)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.UserID, "user", "", "User ID that owns the tracker")
	cmd.Flags().StringVar(&in.Username, "username", "", "Display name of the user")
	cmd.Flags().StringVar(&in.Address, "address", "", "Address to search around")
	cmd.Flags().Float64Var(&in.RadiusMiles, "radius", 10, "Search radius in miles")
	cmd.Flags().StringVar(&in.Target, "target", "", "Webhook URL or phone number")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "Free-form notes")
	cmd.Flags().StringVar(&in.ID, "id", "", "Tracker ID (generated when empty)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func trackerListCmd(logW io.Writer) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the trackers of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackerService(cmd, logW, func(ctx context.Context, svc *tracker.Service) error {
				trackers, err := svc.List(ctx, userID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tADDRESS\tRADIUS_MI\tTARGET\tTRIGGERED")
				for _, t := range trackers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
						t.ID, t.Address, formatMiles(t.RadiusMiles), t.Target.Kind, t.Triggered)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func trackerClearCmd(logW io.Writer) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all trackers of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackerService(cmd, logW, func(ctx context.Context, svc *tracker.Service) error {
				n, err := svc.Clear(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d trackers\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func trackerResetCmd(logW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <tracker-id>",
		Short: "Re-arm a triggered tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackerService(cmd, logW, func(ctx context.Context, svc *tracker.Service) error {
				if err := svc.Reset(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tracker %s reset\n", args[0])
				return nil
			})
		},
	}
}

func formatMiles(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
