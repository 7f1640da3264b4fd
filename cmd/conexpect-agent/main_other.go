//go:build !windows

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "conexpect-agent: only built as a windows library; posix sessions host the agent in-process")
	os.Exit(1)
}
