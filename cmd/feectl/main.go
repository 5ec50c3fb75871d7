// Command feectl inspects the condition catalog, quotes carts against a local
// YAML rule set, and manages the rules stored by a running cartfee server.
package main

import (
	"fmt"
	"os"

	"github.com/matt-riley/cartfee/cmd/feectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
