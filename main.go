// The main package for the atelier-crawler executable.
package main

import (
	"github.com/JakeFAU/atelier-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
