package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

func newCmdToken() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bootstrap tokens",
	}
	cmd.AddCommand(newCmdTokenCreate())
	cmd.AddCommand(newCmdOperatorToken())
	return cmd
}

func newCmdTokenCreate() *cobra.Command {
	return &cobra.Command{
		Use:   "create <server-name>",
		Short: "Create a single-use bootstrap token for enrolling a server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			token, err := appCtx.Tokens.Mint(args[0])
			if err != nil {
				handleCommandError("creating token", err)
				return
			}
			printMessage(Success, "Token for %s (valid %s, single use):", token.ServerName, appCtx.Config.TokenTTL)
			printMessage(Plain, "%s", token.Token)
		},
	}
}

func newCmdOperatorToken() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "operator <subject>",
		Short: "Issue an operator API bearer token",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			token, err := appCtx.OperatorAuth.IssueToken(args[0], ttl)
			if err != nil {
				handleCommandError("issuing operator token", err)
				return
			}
			printMessage(Plain, "%s", token)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
