// Package main is the entry point for the lobby load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - room:      N members join, post concurrently and compare what each saw
//   - reconnect: members drop and come back with their last message id
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "room":
		runRoom(os.Args[2:])
	case "reconnect":
		runReconnect(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  room        Members join, post concurrently, and every member's order is compared")
	fmt.Println("  reconnect   Members disconnect while others post, then reconnect and check catch-up")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
