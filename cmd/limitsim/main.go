// Command limitsim drives an adaptive limiter against a simulated backend
// whose latency grows once its capacity is exceeded, and prints how the
// limit evolves.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
