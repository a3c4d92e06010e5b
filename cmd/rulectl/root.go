package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/riskrules/internal/logger"
	"github.com/liamcoop/riskrules/rules"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rulectl",
	Short: "Offline tooling for decision rule files",
	Long: `rulectl validates, compiles and evaluates YAML rule files without a
running server, and seeds them into the rule tables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetOutput(cmd.ErrOrStderr())
			_ = logger.Configure("DEBUG", 1)
			return
		}
		logger.SetOutput(io.Discard)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("RULES_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// readRuleFile decodes a rule file
func readRuleFile(path string) ([]*rules.DecisionRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	rs, err := rules.DecodeRuleFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// loadSource puts a rule file into an in-memory store. Rules without an id
// are numbered in file order.
func loadSource(path string) (*rules.InMemoryRuleStore, []*rules.DecisionRule, error) {
	rs, err := readRuleFile(path)
	if err != nil {
		return nil, nil, err
	}
	store := rules.NewInMemoryRuleStore()
	for _, r := range rs {
		if err := store.Add(r); err != nil {
			return nil, nil, fmt.Errorf("%s: rule %q: %w", path, r.Name, err)
		}
	}
	return store, rs, nil
}

func parseFactType(name string) (rules.FactType, error) {
	ft, ok := rules.DefaultRegistry().ParseFactType(name)
	if !ok {
		return "", fmt.Errorf("unknown fact type %q (known: %v)", name, rules.DefaultRegistry().FactTypes())
	}
	return ft, nil
}
