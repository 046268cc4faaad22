// Package main is the entry point for the pindrop load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - pair:     Session pairing load test
//   - signal:   Full signaling exchange load test
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
	case "saturate":
		runSaturate(os.Args[2:])
	case "pair":
		runPair(os.Args[2:])
	case "signal":
		runSignal(os.Args[2:])
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
	fmt.Println("  saturate    Connection saturation test — opens N idle connections")
	fmt.Println("  pair        Session pairing load test — pairs create and join sessions by pin")
	fmt.Println("  signal      Full signaling exchange load test — pair up, then relay offer/answer/candidates")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
