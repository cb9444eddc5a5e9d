// Command ara runs the campus assistant.
//
// Usage:
//
//	ara serve [--config configs/ara.yaml]
//	ara ask "190번 버스 언제 와?"
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
