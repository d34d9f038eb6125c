package main

import (
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/boardsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("boardsync failed")
	}
}
