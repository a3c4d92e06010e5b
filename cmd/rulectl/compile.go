package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/riskrules/engine"
	"github.com/liamcoop/riskrules/rules"
)

var compileFlags struct {
	file     string
	factType string
	format   string
}

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Print the container document of a rule file",
	Long: `Compile the active rules of one fact type into the container document a
deploy would produce, and print it with its content hash.

Examples:
  # Print the document
  rulectl compile --file rules.yaml --fact-type Declaration

  # Print the rule references and hash as JSON
  rulectl compile --file rules.yaml --fact-type Declaration --format json`,
	RunE: compileRules,
}

func init() {
	rootCmd.AddCommand(compileCmd)

	compileCmd.Flags().StringVarP(&compileFlags.file, "file", "f", "", "rule file to compile")
	compileCmd.Flags().StringVarP(&compileFlags.factType, "fact-type", "t", string(rules.FactTypeDeclaration), "fact type to compile")
	compileCmd.Flags().StringVar(&compileFlags.format, "format", "text", "output format: text, json")
}

func compileRules(cmd *cobra.Command, args []string) error {
	if compileFlags.file == "" {
		return fmt.Errorf("--file must be specified")
	}
	ft, err := parseFactType(compileFlags.factType)
	if err != nil {
		return err
	}
	source, _, err := loadSource(compileFlags.file)
	if err != nil {
		return err
	}

	schema, _ := rules.DefaultRegistry().Lookup(ft)
	b, err := engine.NewBuilder(schema, source, engine.DefaultCostLimit)
	if err != nil {
		return err
	}
	art, err := b.Build(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch compileFlags.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"factType":   ft,
			"rulesHash":  art.Hash,
			"rulesCount": art.RulesCount(),
			"rules":      art.Rules,
		})
	case "text":
		fmt.Fprintf(out, "// hash %s\n", art.Hash)
		fmt.Fprint(out, art.Document)
		return nil
	}
	return fmt.Errorf("unsupported format: %s", compileFlags.format)
}
