package cli

import (
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and wait for others to join",
	Long: `Create a new room on the relay. The generated room code is printed so
other participants can join with it.

Examples:
  confmesh create --name Alice
  confmesh create --name Alice --server wss://relay.example.com/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall("")
	},
}
