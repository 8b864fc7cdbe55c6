// Command outboxctl inspects and repairs the outbox of a meter-sync database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand(&RootOptions{open: openRepository}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
