// Command conexpect-agent is the library loaded into every child started
// by a conexpect session on windows. Build it with
//
//	go build -buildmode=c-shared -o conexpect-agent.dll ./cmd/conexpect-agent
//
// Loading the library attaches the agent: console writes are mirrored to
// the controller and keystrokes from the controller are replayed into the
// console. The agent detaches when the controller goes away or when
// ConexpectDetach is called.
package main
