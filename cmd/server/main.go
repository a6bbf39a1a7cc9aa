package main

import (
	"os"

	"github.com/tanvirwebtech/hype-chat-server/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log := logging.L()
		log.Error().Err(err).Msg("hype-chat exited with error")
		os.Exit(1)
	}
}
