// Package cmd implements the command-line interface for the aspen storage
// engine. It provides a hierarchical command structure for inspecting and
// benchmarking the engine.
//
// The package is organized into several subpackages:
//
//   - bench: Commands for benchmarking the in-process storage engine
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See aspen -help for a list of all commands.
package cmd
