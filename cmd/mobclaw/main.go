// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package main

import (
	"fmt"
	"os"
	"runtime"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("mobclaw %s\n", formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	fmt.Printf("  Go: %s\n", runtime.Version())
}

func main() {
	command := "run"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "run":
		runCmd()
	case "console":
		consoleCmd()
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("mobclaw - Signal chatbot framework with MobileCoin payments v%s\n\n", version)
	fmt.Println("Usage: mobclaw <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run         Start the bot (default)")
	fmt.Println("  console     Talk to the bot locally without Signal")
	fmt.Println("  version     Show version information")
	fmt.Println()
	fmt.Println("Configuration comes from the environment; see .env.example.")
}
