// Command syncresolve inspects and resolves conflicts between two versions
// of a record from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, statusError(err.Error()))
		os.Exit(1)
	}
}
