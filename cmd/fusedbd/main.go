// fusedbd is the worker daemon hosting the fusedb storage engine
// behind its RPC socket.
package main

import (
	"fmt"
	"os"

	"github.com/fusedb/fusedb/cmd/fusedbd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
