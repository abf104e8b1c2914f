// Command ngvctl drives the circuit viewer backend headlessly: it checks the
// backend, loads circuits into the local cache and inspects that cache.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("ngvctl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
