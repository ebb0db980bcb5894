package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

func newSubmitCmd(mgr *queue.Manager) *cobra.Command {
	var (
		agent     string
		priority  string
		session   string
		workspace string
		user      string
		retries   int
	)

	cmd := &cobra.Command{
		Use:   "submit <input>",
		Short: "Submit a new job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := queue.NewJob(agent, args[0], queue.ParsePriority(priority))
			job.SessionID = session
			job.Workspace = workspace
			job.UserID = user
			job.MaxRetries = retries

			if err := mgr.Submit(job); err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"id": job.ID, "state": job.State})
			}
			fmt.Printf("submitted job %s (priority=%s)\n", job.ID, job.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "default", "agent name to run the job against")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority: low, normal, high, urgent")
	cmd.Flags().StringVar(&session, "session", "", "session id to associate this job with")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace to associate this job with")
	cmd.Flags().StringVar(&user, "user", "", "user id submitting this job")
	cmd.Flags().IntVar(&retries, "max-retries", 3, "maximum retry attempts on failure")
	return cmd
}

func newListCmd(mgr *queue.Manager) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			jobs, err := mgr.ListJobs(ctx, queue.JobFilter{State: queue.State(state)}, 0, 0)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(jobs)
			}
			printJobTable(jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state: queued, running, paused, succeeded, failed, cancelled")
	return cmd
}

func printJobTable(jobs []*queue.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	if isInteractive() {
		fmt.Fprintln(w, "ID\tAGENT\tPRIORITY\tSTATE\tCREATED")
	}
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.AgentName, j.Priority, j.State, j.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func newStatusCmd(mgr *queue.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a single job's full state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(mgr, args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			job, err := mgr.GetJob(ctx, id)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(job)
			}
			fmt.Printf("id:       %s\n", job.ID)
			fmt.Printf("agent:    %s\n", job.AgentName)
			fmt.Printf("state:    %s\n", job.State)
			fmt.Printf("priority: %s\n", job.Priority)
			fmt.Printf("retries:  %d/%d\n", job.RetryCount, job.MaxRetries)
			if job.Error != "" {
				fmt.Printf("error:    %s\n", job.Error)
			}
			return nil
		},
	}
}

func newCancelCmd(mgr *queue.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(mgr, args[0])
			if err != nil {
				return err
			}
			if !mgr.Cancel(id) {
				return fmt.Errorf("cancel: job %s is already in a terminal state", id)
			}
			fmt.Printf("cancelled %s\n", id)
			return nil
		},
	}
}

func newRetryCmd(mgr *queue.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Resubmit a failed job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(mgr, args[0])
			if err != nil {
				return err
			}
			newJob := mgr.Retry(id)
			if newJob == nil {
				return fmt.Errorf("retry: job %s is not eligible for retry", id)
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"id": newJob.ID, "parent_id": id})
			}
			fmt.Printf("retried %s as %s (attempt %d)\n", id, newJob.ID, newJob.RetryCount)
			return nil
		},
	}
}

func newPauseCmd(mgr *queue.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(mgr, args[0])
			if err != nil {
				return err
			}
			if !mgr.Pause(id) {
				return fmt.Errorf("pause: job %s is not running", id)
			}
			fmt.Printf("paused %s\n", id)
			return nil
		},
	}
}

func newResumeCmd(mgr *queue.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(mgr, args[0])
			if err != nil {
				return err
			}
			if !mgr.Resume(id) {
				return fmt.Errorf("resume: job %s is not paused", id)
			}
			fmt.Printf("resumed %s\n", id)
			return nil
		},
	}
}

func newClearCmd(mgr *queue.Manager) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Cancel every currently queued job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && isInteractive() {
				fmt.Printf("cancel all queued jobs? [y/N] ")
				var reply string
				fmt.Scanln(&reply)
				if strings.ToLower(strings.TrimSpace(reply)) != "y" {
					fmt.Println("aborted")
					return nil
				}
			}
			n := mgr.ClearQueue()
			fmt.Printf("cancelled %d queued jobs\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func newStatsCmd(mgr *queue.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth, concurrency, and resource headroom",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := mgr.Stats()
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}
			fmt.Printf("queued:             %d\n", stats.Queued)
			fmt.Printf("running:            %d\n", stats.Running)
			fmt.Printf("avg wait (s):       %.2f\n", stats.AvgWaitSeconds)
			fmt.Printf("avg duration (s):   %.2f\n", stats.AvgDurationSeconds)
			fmt.Printf("headroom blocked:   %v (%s)\n", stats.Headroom.Blocked, stats.Headroom.Reason)
			return nil
		},
	}
}

func newSessionsCmd(mgr *queue.Manager) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect Store-backed sessions",
	}
	cmd.AddCommand(newSessionsListCmd(mgr), newSessionsResumeCmd(mgr))
	return cmd
}

func newSessionsListCmd(mgr *queue.Manager) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sessions, err := mgr.ListSessions(ctx, user)
			if err != nil {
				return fmt.Errorf("sessions list: %w", err)
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(sessions)
			}
			for _, s := range sessions {
				fmt.Printf("%s\tuser=%s\n", s.ID, s.UserID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	return cmd
}

// newSessionsResumeCmd loads a previously saved session and, if a prompt is
// given, submits a new job carrying that session's id so the job inherits
// its conversational state (SessionID is how the executor looks up prior
// turns). With no prompt it just confirms the session still exists.
func newSessionsResumeCmd(mgr *queue.Manager) *cobra.Command {
	var (
		agent    string
		priority string
	)

	cmd := &cobra.Command{
		Use:   "resume <session-id> [prompt]",
		Short: "Resume a session, optionally submitting a follow-up job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sess, err := mgr.LoadSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("sessions resume: %w", err)
			}

			if len(args) < 2 {
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(sess)
				}
				fmt.Printf("session %s (user=%s) is resumable\n", sess.ID, sess.UserID)
				return nil
			}

			job := queue.NewJob(agent, args[1], queue.ParsePriority(priority))
			job.SessionID = sess.ID
			job.UserID = sess.UserID
			if err := mgr.Submit(job); err != nil {
				return fmt.Errorf("sessions resume: %w", err)
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"id": job.ID, "session_id": sess.ID})
			}
			fmt.Printf("submitted job %s on session %s\n", job.ID, sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "default", "agent name to run the job against")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority: low, normal, high, urgent")
	return cmd
}
