// Package cli implements the confmesh command line client.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/confmesh/confmesh/internal/logging"
)

var (
	flagServer   string
	flagName     string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagNoMedia  bool
	flagNoVideo  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "confmesh",
	Short: "Peer-to-peer conference rooms over WebRTC",
	Long: `Confmesh connects clients into named rooms and establishes direct
peer-to-peer audio/video sessions between them. The relay only brokers the
offer/answer/ICE handshake; media flows directly between peers.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "", "relay websocket URL (default ws://localhost:8080/ws)")
	pf.StringVar(&flagName, "name", "", "display name shown to other participants")
	pf.StringVar(&flagSTUN, "stun", "", "STUN server URL")
	pf.StringVar(&flagTURN, "turn", "", "TURN server URL")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	pf.BoolVar(&flagNoMedia, "no-media", false, "join signaling-only, without local tracks")
	pf.BoolVar(&flagNoVideo, "no-video", false, "join audio-only")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.
func Execute() {
	logging.Init()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
