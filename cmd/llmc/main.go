// Package main is the entry point for the llmc CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "llmc:", err)
		os.Exit(1)
	}
}
