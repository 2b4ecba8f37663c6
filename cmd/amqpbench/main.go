package main

import (
	"fmt"
	"os"

	"github.com/danmuck/amqpwire/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "amqpbench: %v\n", err)
		os.Exit(1)
	}
}
