// The main package for the linkcascade executable.
package main

import (
	"github.com/JakeFAU/linkcascade/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
