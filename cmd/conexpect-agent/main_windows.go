//go:build windows

package main

import "C"

import "conexpect/internal/agent"

var current *agent.Agent

func init() {
	current = agent.Default()
	// Attach fails only on misuse. Channel failures are logged by the
	// agent and leave the child running unmirrored.
	_ = current.Attach()
}

// ConexpectDetach stops mirroring and input replay. It returns 0 on
// success.
//
//export ConexpectDetach
func ConexpectDetach() C.int {
	if err := current.Detach(); err != nil {
		return 1
	}
	return 0
}

func main() {}
