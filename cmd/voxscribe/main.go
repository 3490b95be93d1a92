package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxscribe/internal/cli"
	"github.com/spf13/cobra"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitFailure
		if isUsageError(err) {
			fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", helpHintTarget(cmd, os.Args[1:]))
			code = exitUsage
		}
		os.Exit(code)
	}
}

// isUsageError recognizes cobra's argument and flag parsing failures.
func isUsageError(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, pattern := range []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"accepts ",
		"requires at least",
		"requires at most",
		"requires between",
		"required flag",
		"flag needs an argument",
		"invalid argument",
	} {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return "voxscribe"
	}

	target := root.CommandPath()
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return target
	}

	found, _, err := root.Find(args)
	if err == nil && found != nil {
		return found.CommandPath()
	}
	return target
}
