package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/execution"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/runlog"
)

func newNotebooksCommand(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "notebooks",
		Short: "List the room's notebooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openClient(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.close()
			c.waitForDirectory(cmd.Context(), wait)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, nb := range c.controller.Directory().List() {
				fmt.Fprintf(tw, "%s\t%s\n", nb.ID, nb.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "how long to wait for the notebook list")
	return cmd
}

func newCreateNotebookCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-notebook <title>",
		Short: "Create a notebook and print its id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.close()
			nb, err := c.controller.CreateNotebook(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), nb.ID)
			return nil
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var notebookID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected, printing chat and block changes",
		Long: `Stay connected to the room until interrupted. Chat messages are printed,
block list changes of the active notebook are logged and the execution
environment status is polled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.close()

			unsubscribe := c.controller.Blocks().Subscribe(func(blocks []blockstore.Block) {
				c.logger.Printf("notebook %s: %d blocks", c.controller.LiveNotebookID(), len(blocks))
			})
			defer unsubscribe()

			if notebookID != "" {
				c.controller.SelectNotebook(notebookID)
				if err := c.controller.AutoLoad(ctx); err != nil {
					return err
				}
			}
			return c.pollStatus(ctx, rand.New(rand.NewSource(time.Now().UnixNano())))
		},
	}
	cmd.Flags().StringVar(&notebookID, "notebook", "", "notebook to activate")
	return cmd
}

// pollStatus refreshes the execution environment status on a jittered
// interval until ctx is done, logging readiness changes.
func (c *client) pollStatus(ctx context.Context, rng *rand.Rand) error {
	ready := c.bridge.IsReady()
	timer := time.NewTimer(jitteredIntervalWithSample(c.cfg.StatusInterval, c.cfg.StatusJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("watch stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
			status, err := c.bridge.RefreshStatus(reqCtx)
			cancel()
			if err != nil {
				c.logger.Printf("environment status failed: %v", err)
			} else if status.Ready() != ready {
				ready = status.Ready()
				c.logger.Printf("environment ready=%t (venv %s, container %s)", ready, status.Venv, status.Container)
			}
			timer.Reset(jitteredIntervalWithSample(c.cfg.StatusInterval, c.cfg.StatusJitter, rng.Float64()))
		}
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <notebook-id> [block-id]",
		Short: "Run one block, or the whole notebook",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.close()
			if err := c.activate(ctx, args[0]); err != nil {
				return err
			}

			var entry runlog.Entry
			if len(args) == 2 {
				entry, err = c.bridge.RunSingle(ctx, args[1])
			} else {
				entry, err = c.bridge.RunAll(ctx)
			}
			var execErr *execution.ExecutionError
			if errors.As(err, &execErr) {
				fmt.Fprint(cmd.OutOrStdout(), execErr.Output)
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), entry.Output)
			return nil
		},
	}
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a chat message to the room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.close()
			_, err = c.controller.SendChat(cmd.Context(), strings.Join(args, " "))
			return err
		},
	}
}

func newMilestonesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestones",
		Short: "List, create and restore milestones",
	}
	cmd.AddCommand(newMilestonesListCommand(opts), newMilestonesCreateCommand(opts), newMilestonesRestoreCommand(opts))
	return cmd
}

func newMilestonesListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the room's milestones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, api, err := newAPI(cmd.Context(), opts)
			if err != nil {
				return err
			}
			milestones, err := api.ListMilestones(cmd.Context(), cfg.Room)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, m := range milestones {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Kind, m.CreatedAt.Format(time.RFC3339), m.Name)
			}
			return tw.Flush()
		},
	}
}

func newMilestonesCreateCommand(opts *rootOptions) *cobra.Command {
	var in remote.MilestoneInput
	cmd := &cobra.Command{
		Use:   "create <notebook-id>",
		Short: "Snapshot a notebook as a milestone and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, api, err := newAPI(cmd.Context(), opts)
			if err != nil {
				return err
			}
			in.Snapshot = remote.Snapshot{NotebookID: args[0]}
			m, err := api.CreateMilestone(cmd.Context(), cfg.Room, in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "milestone name")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&in.Kind, "kind", remote.KindMilestone, "milestone or commit")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newMilestonesRestoreCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <milestone-id>",
		Short: "Restore a milestone into its notebook for everyone in the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.close()
			m, err := c.api.GetMilestone(ctx, c.cfg.Room, args[0])
			if err != nil {
				return err
			}
			if m.Snapshot == nil || m.Snapshot.NotebookID == "" {
				return fmt.Errorf("milestone %s has no notebook snapshot", m.ID)
			}
			if err := c.activate(ctx, m.Snapshot.NotebookID); err != nil {
				return err
			}
			return c.controller.RestoreMilestone(ctx, m.ID)
		},
	}
}
