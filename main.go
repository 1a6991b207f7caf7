// Command uaef is the operator entry point for the Universal Agent
// Execution Framework: trust-ledger verification, block finalization, and
// event export.
package main

import "uaef.dev/cli"

func main() {
	cli.Execute()
}
