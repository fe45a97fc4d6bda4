// Package cmd implements the command-line interface of tcsrpc. It provides
// commands for running an emulated TCS daemon and for issuing TPM commands
// against a daemon as a client.
//
// The package is organized into several subpackages:
//
//   - tpm: Client commands (random, pcrread, extend, caps, pubek, keys, selftest, perf)
//   - serve: Starts the emulated daemon
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See tcsrpc -help for a list of all commands.
package cmd
