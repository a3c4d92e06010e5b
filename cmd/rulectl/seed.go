package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/riskrules/config"
	"github.com/liamcoop/riskrules/internal/sqldialect"
	"github.com/liamcoop/riskrules/migrations"
	"github.com/liamcoop/riskrules/rules"
)

var seedFlags struct {
	file    string
	migrate bool
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert a rule file into the rule tables",
	Long: `Validate a rule file and insert every rule into the database named by the
configuration. Rule ids from the file are kept; rules without one get a
database id. Nothing is deployed.

Examples:
  rulectl seed --file rules.yaml --config config.yaml
  DATABASE_URL=file:rules.db RULES_DB_DRIVER=sqlite rulectl seed --file rules.yaml --migrate`,
	RunE: seedRules,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringVarP(&seedFlags.file, "file", "f", "", "rule file to insert")
	seedCmd.Flags().BoolVar(&seedFlags.migrate, "migrate", false, "apply migrations first")
}

func seedRules(cmd *cobra.Command, args []string) error {
	if seedFlags.file == "" {
		return fmt.Errorf("--file must be specified")
	}
	rs, err := readRuleFile(seedFlags.file)
	if err != nil {
		return err
	}
	registry := rules.DefaultRegistry()
	for _, r := range rs {
		schema, _ := registry.Lookup(r.FactType)
		if err := rules.Validate(r, schema); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	dialect := cfg.Database.Dialect()
	db, err := sqldialect.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if seedFlags.migrate {
		if err := migrations.Up(ctx, db, dialect, cfg.Database.URL); err != nil {
			return err
		}
	}

	store := rules.NewSQLRuleStore(db, dialect)
	for _, r := range rs {
		if err := store.Insert(ctx, r); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "inserted rule %d %q (%s)\n", r.ID, r.Name, r.FactType)
	}
	return nil
}
