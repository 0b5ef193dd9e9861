package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// PescanConfig represents configuration for the pescan tool
type PescanConfig struct {
	Debug          bool `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	DisassembleAll bool `json:"disassembleAll" jsonschema:"title=Disassemble All,description=Decode unreached bytes instead of collapsing them into gaps"`
	NoColor        bool `json:"noColor" jsonschema:"title=No Color,description=Disable listing colorization"`
}

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Long:   "Generate JSON schema for the pescan configuration",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := new(jsonschema.Reflector)
		bts, err := json.MarshalIndent(reflector.Reflect(&PescanConfig{}), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(bts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
