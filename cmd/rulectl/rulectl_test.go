package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/liamcoop/riskrules/engine"
)

func newTestCmd(stdin string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, out
}

func TestLintValidFile(t *testing.T) {
	lintFlags.file = "testdata/rules.yaml"
	cmd, out := newTestCmd("")

	if err := lintRules(cmd, nil); err != nil {
		t.Fatalf("lintRules() returned error: %v", err)
	}
	if !strings.Contains(out.String(), "Declaration: 2 active of 2 rules ok") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "CargoReport: 1 active of 1 rules ok") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestLintInvalidFile(t *testing.T) {
	lintFlags.file = "testdata/invalid.yaml"
	cmd, _ := newTestCmd("")

	err := lintRules(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "numeric or datetime") {
		t.Errorf("lintRules() error = %v", err)
	}
}

func TestLintMissingFile(t *testing.T) {
	for _, file := range []string{"", "testdata/nonexistent.yaml"} {
		lintFlags.file = file
		cmd, _ := newTestCmd("")
		if err := lintRules(cmd, nil); err == nil {
			t.Errorf("lintRules(%q) should return error", file)
		}
	}
}

func TestCompileText(t *testing.T) {
	compileFlags.file = "testdata/rules.yaml"
	compileFlags.factType = "declaration"
	compileFlags.format = "text"
	cmd, out := newTestCmd("")

	if err := compileRules(cmd, nil); err != nil {
		t.Fatalf("compileRules() returned error: %v", err)
	}
	doc := out.String()
	first := strings.Index(doc, `// rule 1 "heavy cargo" priority 10 version 1`)
	second := strings.Index(doc, `// rule 2 "restricted goods" priority 20 version 1`)
	if first < 0 || second < first {
		t.Errorf("rules missing or out of order:\n%s", doc)
	}
	if !strings.HasPrefix(doc, "// hash ") {
		t.Errorf("document does not start with its hash:\n%s", doc)
	}
}

func TestCompileJSON(t *testing.T) {
	compileFlags.file = "testdata/rules.yaml"
	compileFlags.factType = "CargoReport"
	compileFlags.format = "json"
	cmd, out := newTestCmd("")

	if err := compileRules(cmd, nil); err != nil {
		t.Fatalf("compileRules() returned error: %v", err)
	}
	var payload struct {
		RulesHash  string `json:"rulesHash"`
		RulesCount int    `json:"rulesCount"`
	}
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if payload.RulesCount != 1 || len(payload.RulesHash) != 64 {
		t.Errorf("payload = %+v", payload)
	}

	compileFlags.format = "xml"
	if err := compileRules(cmd, nil); err == nil {
		t.Error("compileRules() accepted an unknown format")
	}
	compileFlags.factType = "Invoice"
	if err := compileRules(cmd, nil); err == nil {
		t.Error("compileRules() accepted an unknown fact type")
	}
}

func TestFireFromFile(t *testing.T) {
	fireFlags.file = "testdata/rules.yaml"
	fireFlags.factType = "Declaration"
	fireFlags.fact = "testdata/fact.json"
	cmd, out := newTestCmd("")

	if err := fireRules(cmd, nil); err != nil {
		t.Fatalf("fireRules() returned error: %v", err)
	}
	var res engine.TotalRuleResults
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(res.Hits) != 2 || res.TotalScore != 140 || res.FinalAction != "REJECT" || res.FinalFlag != "EMBARGO" {
		t.Errorf("result = %+v", res)
	}
}

func TestFireFromStdin(t *testing.T) {
	fireFlags.file = "testdata/rules.yaml"
	fireFlags.factType = "Declaration"
	fireFlags.fact = "-"
	cmd, out := newTestCmd(`{"declarationId": "D-1", "totalGrossMassMeasure": 10}`)

	if err := fireRules(cmd, nil); err != nil {
		t.Fatalf("fireRules() returned error: %v", err)
	}
	var res engine.TotalRuleResults
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(res.Hits) != 0 || res.TotalScore != 0 || res.FinalAction != "" {
		t.Errorf("result = %+v", res)
	}

	cmd, _ = newTestCmd(`{"totalGrossMassMeasure": 10}`)
	if err := fireRules(cmd, nil); err == nil {
		t.Error("fireRules() accepted a fact without an identifier")
	}
}
