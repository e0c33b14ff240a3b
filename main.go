// The main package for the rallyscraper executable.
package main

import (
	"github.com/JakeFAU/rallyscraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
