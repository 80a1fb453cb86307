package main

import (
	"fmt"
	"os"

	"github.com/benvon/dermin/cmd/dermin/commands"
	"github.com/benvon/dermin/internal/apperr"
)

func main() {
	rootCmd := commands.NewRootCmd(commands.DefaultRuntime())

	if err := rootCmd.Execute(); err != nil {
		msg := err.Error()
		if apperr.KindOf(err) != "" {
			msg = apperr.UserMessage(err)
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		os.Exit(1)
	}
}
