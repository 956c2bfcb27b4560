// Package main hosts the talkingheads CLI entrypoint and command graph.
//
// The Cobra command tree turns terminal invocations into render runs, run
// ledger queries, cache maintenance, and configuration scaffolding. It owns
// configuration resolution, logger construction, and backend wiring so the
// internal packages receive explicit dependencies.
//
// Add functionality to the internal packages first, then surface it here
// through a dedicated command or flag.
package main
