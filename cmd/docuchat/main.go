// Package main provides the entry point for the DocuChat CLI.
package main

import (
	"fmt"
	"os"

	"github.com/docuchat-ai/docuchat/cmd/docuchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
