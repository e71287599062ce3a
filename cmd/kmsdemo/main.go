// kmsdemo pokes at a display control node: it lists the mode-setting
// resources a card exposes and can take over a display to draw a test
// pattern on it.
package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var cardNum int

var rootCmd = &cobra.Command{
	Use:   "kmsdemo",
	Short: "Inspect and drive display control devices",
	Long: `kmsdemo talks to the kernel mode-setting interface directly.
The info command enumerates the connectors, encoders, controllers and
planes of a card; the draw command acquires the master lock and scans a
test pattern out to every connected display.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&cardNum, "card", "c", 0,
		"card number to open (/dev/dri/cardN)")
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(drawCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}
