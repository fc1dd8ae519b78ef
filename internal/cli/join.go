package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-code>",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Long: `Join a room by its code. Codes are case-insensitive.

Examples:
  confmesh join K7Q2M --name Bob
  confmesh join k7q2m --name Bob --no-video`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one room code")
		}
		return runCall(args[0])
	},
}
