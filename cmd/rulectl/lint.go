package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/riskrules/engine"
	"github.com/liamcoop/riskrules/rules"
)

var lintFlags struct {
	file string
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Validate a rule file",
	Long: `Validate every rule of a YAML rule file against the schema of its fact
type and compile each fact type's active rules into a container.

Examples:
  # Lint a rule file
  rulectl lint --file rules.yaml`,
	RunE: lintRules,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().StringVarP(&lintFlags.file, "file", "f", "", "rule file to validate")
}

func lintRules(cmd *cobra.Command, args []string) error {
	if lintFlags.file == "" {
		return fmt.Errorf("--file must be specified")
	}
	source, rs, err := loadSource(lintFlags.file)
	if err != nil {
		return err
	}

	registry := rules.DefaultRegistry()
	counts := make(map[rules.FactType]int)
	for _, r := range rs {
		if _, ok := registry.Lookup(r.FactType); !ok {
			return fmt.Errorf("rule %q: unknown fact type %q", r.Name, r.FactType)
		}
		counts[r.FactType]++
	}

	out := cmd.OutOrStdout()
	for _, ft := range registry.FactTypes() {
		if counts[ft] == 0 {
			continue
		}
		schema, _ := registry.Lookup(ft)
		b, err := engine.NewBuilder(schema, source, engine.DefaultCostLimit)
		if err != nil {
			return err
		}
		art, err := b.Build(context.Background())
		if err != nil {
			return fmt.Errorf("%s: %w", ft, err)
		}
		fmt.Fprintf(out, "%s: %d active of %d rules ok (hash %s)\n", ft, art.RulesCount(), counts[ft], art.Hash[:12])
	}
	return nil
}
