// The main package for the crawlquota executable.
package main

import (
	"github.com/JakeFAU/crawlquota/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
