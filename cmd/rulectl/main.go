// rulectl works with rule files offline: it lints and compiles them into a
// container document, fires facts against them and seeds them into the rule
// tables.
//
// Usage:
//
//	# Validate a rule file
//	rulectl lint --file rules.yaml
//
//	# Print the compiled container for one fact type
//	rulectl compile --file rules.yaml --fact-type Declaration
//
//	# Evaluate a fact
//	rulectl fire --file rules.yaml --fact-type Declaration --fact fact.json
//
//	# Insert the rules into the configured database
//	rulectl seed --file rules.yaml --config config.yaml
package main

func main() {
	Execute()
}
