package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netbirdio/otaclient/client/internal/updatemanager"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/launcher"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

var (
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "check whether a newer update is published",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *updatemanager.Manager) error {
				res, err := m.CheckForUpdate(ctx)
				if err != nil {
					return fmt.Errorf("check for update: %w", err)
				}
				if !res.Available {
					cmd.Printf("up to date, latest published update is %s\n", res.Manifest.ID)
					return nil
				}
				cmd.Printf("update %s committed at %s is available\n", res.Manifest.ID, res.Manifest.CommitTime.Format(time.RFC3339))
				return nil
			})
		},
	}

	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "download the published update when it is newer than the launched one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *updatemanager.Manager) error {
				update, err := m.FetchUpdate(ctx)
				if err != nil {
					return fmt.Errorf("fetch update: %w", err)
				}
				if update == nil {
					cmd.Println("no newer update available")
					return nil
				}
				cmd.Printf("update %s is ready and will be launched on the next start\n", update.ID)
				return nil
			})
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "list the stored updates and the one that is launched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *updatemanager.Manager) error {
				updates, err := m.StoredUpdates(ctx)
				if err != nil {
					return fmt.Errorf("list updates: %w", err)
				}
				cmd.Print(formatStatus(m.LaunchState(), m.LaunchedUpdate(), updates))
				return nil
			})
		},
	}

	reapCmd = &cobra.Command{
		Use:   "reap",
		Short: "remove updates superseded by the launched one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *updatemanager.Manager) error {
				stats, err := m.Reap(ctx)
				if err != nil {
					return fmt.Errorf("reap: %w", err)
				}
				cmd.Printf("removed %d updates and %d assets, %d assets left for the next run\n", stats.UpdatesDeleted, stats.Deleted, stats.Failed)
				return nil
			})
		},
	}
)

// withManager resolves the launch without a check on launch and runs fn
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *updatemanager.Manager) error) error {
	if err := initCommand(cmd); err != nil {
		return err
	}

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	config.CheckOnLaunch = string(updatemanager.CheckNever)
	config.LaunchWaitMs = 0

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	m, err := startManager(ctx, config, nil)
	if err != nil {
		return err
	}
	defer m.Stop()

	return fn(ctx, m)
}

func formatStatus(state launcher.State, launched *types.Update, updates []*types.Update) string {
	var b strings.Builder
	if launched != nil {
		fmt.Fprintf(&b, "Launch: %s, update %s\n", state, launched.ID)
	} else {
		fmt.Fprintf(&b, "Launch: %s, embedded bundle\n", state)
	}

	fmt.Fprintf(&b, "Stored updates: %d\n", len(updates))
	for _, u := range updates {
		marker := " "
		if launched != nil && u.ID == launched.ID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %s  %-8s  keep=%t  binary versions %s\n",
			marker, u.ID, u.CommitTime.UTC().Format(time.RFC3339), u.Status, u.Keep, u.BinaryVersions)
	}
	return b.String()
}
