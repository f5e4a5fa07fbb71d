// fm is the foreman CLI for managing the task daemon.
package main

import (
	"os"

	"github.com/sagehill/foreman/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
