package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/riskrules/engine"
	"github.com/liamcoop/riskrules/rules"
	"github.com/liamcoop/riskrules/versionstore"
)

var fireFlags struct {
	file     string
	factType string
	fact     string
}

var fireCmd = &cobra.Command{
	Use:   "fire",
	Short: "Evaluate a fact against a rule file",
	Long: `Deploy the active rules of one fact type into a throwaway container and
evaluate a JSON fact against it. The fact is read from --fact, or from
standard input when --fact is "-".

Examples:
  rulectl fire --file rules.yaml --fact-type Declaration --fact fact.json
  cat fact.json | rulectl fire --file rules.yaml --fact -`,
	RunE: fireRules,
}

func init() {
	rootCmd.AddCommand(fireCmd)

	fireCmd.Flags().StringVarP(&fireFlags.file, "file", "f", "", "rule file to deploy")
	fireCmd.Flags().StringVarP(&fireFlags.factType, "fact-type", "t", string(rules.FactTypeDeclaration), "fact type of the fact")
	fireCmd.Flags().StringVar(&fireFlags.fact, "fact", "-", "JSON fact file, or - for stdin")
}

func fireRules(cmd *cobra.Command, args []string) error {
	if fireFlags.file == "" {
		return fmt.Errorf("--file must be specified")
	}
	ft, err := parseFactType(fireFlags.factType)
	if err != nil {
		return err
	}
	data, err := readFact(cmd, fireFlags.fact)
	if err != nil {
		return err
	}
	source, _, err := loadSource(fireFlags.file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	manager, err := engine.NewManager(rules.DefaultRegistry(), source, versionstore.NewMemoryStore())
	if err != nil {
		return err
	}
	if _, err := manager.BuildAndDeploy(ctx, ft, engine.DeployRequest{Description: "rulectl fire", DeployedBy: "rulectl"}); err != nil {
		return err
	}
	res, err := manager.Fire(ctx, engine.Fact{Type: ft, Data: data})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func readFact(cmd *cobra.Command, path string) (map[string]any, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open fact: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode fact: %w", err)
	}
	return data, nil
}
