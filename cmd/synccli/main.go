// Command synccli is the §6 admin surface: a kubectl-style CLI for forcing
// a poll, renewing a watch, resetting a cursor, or suspending/resuming a
// user, against the same Postgres store and provider adapters syncd runs.
// Exit codes mirror scheduler.AdminError.Code: 0 success, 2 not found, 3
// provider rejected the operation, 4 store/state corruption.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aisync/internal/config"
	"aisync/internal/domain"
	"aisync/internal/scheduler"
	"aisync/internal/wiring"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "synccli:", err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "synccli",
		Short:         "Admin commands for the sync engine's scheduler and watch manager.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newPollCmd(),
		newRenewWatchCmd(),
		newResetCursorCmd(),
		newSuspendCmd(),
		newResumeCmd(),
	)
	return root
}

// exitCodeFor maps an AdminError (or watchmanager's plain errors, which
// carry no code of their own) to the process exit code §6 specifies.
func exitCodeFor(err error) int {
	var adminErr *scheduler.AdminError
	if errors.As(err, &adminErr) {
		return adminErr.Code
	}
	if errors.Is(err, domain.ErrNotFound) {
		return 2
	}
	return 4
}

func parseSource(s string) (domain.Source, error) {
	switch domain.Source(s) {
	case domain.SourceMail, domain.SourceDrive, domain.SourceCalendar:
		return domain.Source(s), nil
	default:
		return "", fmt.Errorf("unknown source %q (want mail, drive, or calendar)", s)
	}
}

// withServices loads Config and builds the full wiring.Services graph for
// the lifetime of one admin command; every command here is a single
// request-response round trip, so there's no reason to keep it running.
func withServices(ctx context.Context, fn func(ctx context.Context, svc *wiring.Services) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := wiring.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <user-id> <source>",
		Short: "Force an immediate poll for one (user, source), bypassing smart-polling.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := parseSource(args[1])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *wiring.Services) error {
				return svc.Scheduler.Poll(ctx, args[0], source)
			})
		},
	}
	return cmd
}

func newRenewWatchCmd() *cobra.Command {
	var resourceID string
	cmd := &cobra.Command{
		Use:   "renew-watch <user-id> <source>",
		Short: "Force an immediate renewal of the active Watch for one (user, source).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := parseSource(args[1])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *wiring.Services) error {
				if err := svc.WatchMgr.RenewOne(ctx, args[0], source, resourceID); err != nil {
					return &scheduler.AdminError{Code: exitCodeFor(err), Err: err}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Resource ID of the watch, if the source tracks more than one.")
	return cmd
}

func newResetCursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-cursor <user-id> <source>",
		Short: "Clear the stored sync cursor so the next poll re-scans recent history.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := parseSource(args[1])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *wiring.Services) error {
				return svc.Scheduler.ResetCursor(ctx, args[0], source)
			})
		},
	}
	return cmd
}

func newSuspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <user-id>",
		Short: "Suspend a user: the Scheduler stops ticking every source until resumed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *wiring.Services) error {
				return svc.Scheduler.Suspend(ctx, args[0])
			})
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <user-id>",
		Short: "Resume a suspended user.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *wiring.Services) error {
				return svc.Scheduler.Resume(ctx, args[0])
			})
		},
	}
}
