package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/jobq/internal/facade"
	"github.com/Dicklesworthstone/jobq/internal/queue"
)

func newServeCmd(mgr *queue.Manager) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket facade in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := facade.NewServer(mgr, nil, nil)
			mgr.AddEventCallback(srv.BroadcastEvent)

			fmt.Printf("facade listening on %s\n", addr)
			return http.ListenAndServe(addr, srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8099", "listen address")
	return cmd
}
