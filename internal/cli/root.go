// Package cli implements the jobq command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// jsonOutput is the global --json flag shared by every subcommand.
var jsonOutput bool

// isInteractive reports whether stdout is an interactive terminal. Table
// output drops its header row when piped, so downstream tools like cut or
// awk don't need to skip a line.
func isInteractive() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// NewRootCmd assembles the full jobq command tree bound to mgr.
func NewRootCmd(mgr *queue.Manager) *cobra.Command {
	root := &cobra.Command{
		Use:     "jobq",
		Short:   "Persistent, priority-aware job queue",
		Version: Version,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output machine-readable JSON")

	root.AddCommand(
		newSubmitCmd(mgr),
		newRunCmd(mgr),
		newListCmd(mgr),
		newStatusCmd(mgr),
		newCancelCmd(mgr),
		newRetryCmd(mgr),
		newPauseCmd(mgr),
		newResumeCmd(mgr),
		newClearCmd(mgr),
		newStatsCmd(mgr),
		newSessionsCmd(mgr),
		newServeCmd(mgr),
	)
	return root
}

// knownJobIDs collects every job id the manager currently tracks, for
// prefix resolution on the command line.
func knownJobIDs(mgr *queue.Manager) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jobs, err := mgr.ListJobs(ctx, queue.JobFilter{}, 0, 0)
	if err != nil {
		return nil
	}
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// resolveArg resolves a user-supplied id-or-prefix argument against the
// manager's currently known jobs.
func resolveArg(mgr *queue.Manager, arg string) (string, error) {
	id, err := queue.ResolveJobID(arg, knownJobIDs(mgr))
	if err != nil {
		return "", fmt.Errorf("resolve job id: %w", err)
	}
	return id, nil
}
