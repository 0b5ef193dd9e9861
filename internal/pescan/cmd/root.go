package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"pescan/internal/analysis"
	"pescan/internal/logging"
	"pescan/internal/pescan/log"
	"pescan/internal/pex"
	"pescan/internal/ui/colorize"
)

var rootCmd = &cobra.Command{
	Use:   "pescan [file]",
	Short: "Recover and disassemble the code sections of a PE image",
	Long: `Pescan loads a PE executable, discovers reachable code by following
control flow from the image's exports and entry point, and prints an
annotated Intel-syntax disassembly of every code section.`,
	Example: `
# Disassemble the reachable code of an executable
pescan program.exe

# Also decode bytes the scanner never reached
pescan -a program.dll
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(debug)

		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %w", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %w", err)
			}
			defer pprof.StopCPUProfile()
		}

		img, err := pex.Open(args[0])
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		defer img.Close()

		logger := logging.NewLogger()
		defer logger.Close()

		// Phase one: populate every section's classification map.
		scanner := analysis.NewScanner(img, logger.Logger)
		scanner.ScanAll()

		// Phase two: linear sweep over the results.
		renderer := analysis.NewRenderer(img, os.Stdout)
		renderer.All, _ = cmd.Flags().GetBool("disassemble-all")
		noColor, _ := cmd.Flags().GetBool("no-color")
		renderer.Color = !noColor && colorize.Enabled() && term.IsTerminal(os.Stdout.Fd())
		renderer.RenderAll()

		return nil
	},
}

func init() {
	rootCmd.Flags().BoolP("disassemble-all", "a", false, "Decode unreached bytes instead of collapsing them into gaps")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable listing colorization")
	rootCmd.PersistentFlags().String("cpuprofile", "", "Write CPU profile to file")
}

func Execute() {
	// Bypass fang's rendering when output is being piped; the listing must
	// stay byte-stable for downstream tools.
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
