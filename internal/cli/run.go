package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

// newRunCmd submits a job and blocks in the foreground, streaming its
// output to stdout as chunks arrive, until the job reaches a terminal
// state. It exits 0 on success and 1 on failure, so it composes with shell
// pipelines the way a one-shot command should.
func newRunCmd(mgr *queue.Manager) *cobra.Command {
	var (
		agent     string
		priority  string
		session   string
		workspace string
		user      string
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Submit a job and stream its output to stdout until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := queue.NewJob(agent, args[0], queue.ParsePriority(priority))
			job.SessionID = session
			job.Workspace = workspace
			job.UserID = user

			done := make(chan *queue.Job, 1)

			mgr.AddOutputCallback(func(jobID string, chunk queue.StreamChunk) {
				if jobID != job.ID || chunk.IsFinal {
					return
				}
				fmt.Print(chunk.Content)
			})
			mgr.AddEventCallback(func(ev queue.Event) {
				if ev.JobID != job.ID {
					return
				}
				switch ev.Kind {
				case queue.EventCompleted, queue.EventFailed, queue.EventCancelled:
					if final, err := mgr.GetJob(cmd.Context(), job.ID); err == nil {
						select {
						case done <- final:
						default:
						}
					}
				}
			})

			if err := mgr.Submit(job); err != nil {
				return fmt.Errorf("run: %w", err)
			}

			final := <-done
			fmt.Println()

			switch final.State {
			case queue.StateSucceeded:
				return nil
			default:
				if final.Error != "" {
					fmt.Fprintln(os.Stderr, final.Error)
				}
				os.Exit(1)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "default", "agent name to run the job against")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority: low, normal, high, urgent")
	cmd.Flags().StringVar(&session, "session", "", "session id to associate this job with")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace to associate this job with")
	cmd.Flags().StringVar(&user, "user", "", "user id submitting this job")
	return cmd
}
