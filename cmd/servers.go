package cmd

import (
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newCmdServers() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List fleet servers",
		Run: func(cmd *cobra.Command, args []string) {
			servers, err := appCtx.Servers.List()
			if err != nil {
				handleCommandError("listing servers", err)
				return
			}

			if len(servers) == 0 {
				printMessage(Plain, "No servers registered.")
				return
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Header([]string{"Name", "Status", "Mesh IP", "Arch", "Proxy", "Last Heartbeat"})

			var data [][]string
			for _, server := range servers {
				heartbeat := "never"
				if server.LastHeartbeat != nil {
					heartbeat = time.Since(*server.LastHeartbeat).Round(time.Second).String() + " ago"
				}
				proxy := ""
				if server.IsProxy {
					proxy = "yes"
				}
				data = append(data, []string{
					server.Name,
					server.Status.String(),
					server.WireGuardIP,
					server.Arch(),
					proxy,
					heartbeat,
				})
			}

			if err := table.Bulk(data); err != nil {
				handleCommandError("rendering server table", err)
				return
			}
			if err := table.Render(); err != nil {
				handleCommandError("rendering server table", err)
				return
			}
		},
	}
}
