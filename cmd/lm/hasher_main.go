package main

import (
	"fmt"
	"os"

	"github.com/fscoto/lm/internal/hasher"
)

// hasherEnvVar, when set to "1", tells main to re-exec into the hasher child loop
// instead of the normal server entrypoint. hasher.Spawn sets this on the subprocess it
// forks so a single binary serves both roles.
const hasherEnvVar = "LM_HASHER"

// runAsHasherChild reports whether this process was exec'd by hasher.Spawn to serve as
// the memory-hard hashing subprocess, running its loop if so.
func runAsHasherChild() bool {
	if os.Getenv(hasherEnvVar) != "1" {
		return false
	}
	if err := hasher.RunChild(); err != nil {
		fmt.Fprintf(os.Stderr, "hasher child: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
	return true
}
