package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zlnvch/boardsync/api"
	"github.com/zlnvch/boardsync/cache/redis"
	"github.com/zlnvch/boardsync/mq/sqsmq"
	"github.com/zlnvch/boardsync/store/dynamo"
)

const httpShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, WebSocket and UDP servers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	jwtSecret, err := cfg.Secret()
	if err != nil {
		return err
	}

	ctx := context.Background()

	boardStore, err := dynamo.NewDynamoBoardStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
	if err != nil {
		return err
	}

	roomDeletedQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.RoomDeletedQueue)
	if err != nil {
		return err
	}

	boardCache, err := redis.NewRedisBoardCache(ctx, cfg.DevMode, cfg.RedisEndpoint)
	if err != nil {
		return err
	}
	defer boardCache.Close()

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	boardsyncApi, err := api.NewBoardsyncAPI(cfg, boardStore, roomDeletedQueue, boardCache, jwtSecret, shutdownCtx)
	if err != nil {
		return err
	}

	go func() {
		if err := boardsyncApi.ServeUDP(cfg.UDPAddr); err != nil && shutdownCtx.Err() == nil {
			log.Error().Err(err).Str("addr", cfg.UDPAddr).Msg("UDP server failed")
			stop()
		}
	}()

	mux := http.NewServeMux()
	boardsyncApi.RegisterRoutes(mux, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Starting server")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			boardsyncApi.Wait()
			return err
		}
	case <-shutdownCtx.Done():
	}

	log.Info().Msg("Server shutting down...")

	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}

	boardsyncApi.Wait()
	log.Info().Msg("Shutdown complete")
	return nil
}
