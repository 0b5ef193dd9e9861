package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"pescan/internal/pex"
)

// exportEntry is one row of the export table listing.
type exportEntry struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Demangled string `json:"demangled,omitempty"`
}

var exportsCmd = &cobra.Command{
	Use:   "exports [file]",
	Short: "List the image's exported entry points",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := pex.Open(args[0])
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		defer img.Close()

		entries := make([]exportEntry, 0, len(img.Exports))
		for _, e := range img.Exports {
			entry := exportEntry{
				Address: fmt.Sprintf("%x", e.Address),
				Name:    e.Name,
			}
			if d := demangle.Filter(e.Name); d != e.Name {
				entry.Demangled = d
			}
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		for _, e := range entries {
			name := e.Name
			if e.Demangled != "" {
				name = e.Demangled
			}
			fmt.Printf("%8s  %s\n", e.Address, name)
		}
		return nil
	},
}

func init() {
	exportsCmd.Flags().Bool("json", false, "Emit the export table as JSON")
	rootCmd.AddCommand(exportsCmd)
}
