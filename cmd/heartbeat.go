package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/udp"
)

var (
	heartbeatServer   string
	heartbeatUser     string
	heartbeatInterval time.Duration
	heartbeatCount    int
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Keep a user online by sending UDP heartbeats, printing pushed messages",
	RunE:  runHeartbeat,
}

func init() {
	heartbeatCmd.Flags().StringVar(&heartbeatServer, "server", "localhost:9090", "UDP server address")
	heartbeatCmd.Flags().StringVar(&heartbeatUser, "user", "", "user id to report")
	heartbeatCmd.Flags().DurationVar(&heartbeatInterval, "interval", 30*time.Second, "time between heartbeats")
	heartbeatCmd.Flags().IntVar(&heartbeatCount, "count", 0, "stop after this many heartbeats (0 runs until interrupted)")
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if heartbeatUser == "" {
		return errors.New("--user is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewNetwork()
	client, err := udp.Dial(heartbeatServer, m)
	if err != nil {
		return err
	}
	client.OnMessage = func(msg models.Message) {
		event := log.Info().Str("type", string(msg.Type))
		if msg.Notification != nil {
			event = event.Str("from", msg.Notification.SenderId).Str("message", msg.Notification.Message)
		} else if msg.Message != "" {
			event = event.Str("message", msg.Message)
		}
		event.Msg("Received")
	}
	go client.Run(ctx)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for sent := 0; heartbeatCount == 0 || sent < heartbeatCount; sent++ {
		acked, err := client.Heartbeat(ctx, heartbeatUser, cfg.Retransmit.MaxRetries, cfg.Retransmit.BaseTimeout)
		if err != nil {
			return err
		}
		if acked {
			log.Info().Str("user_id", heartbeatUser).Str("local", client.LocalAddr().String()).Msg("Heartbeat acknowledged")
		} else {
			log.Warn().Str("user_id", heartbeatUser).Int64("retransmissions", m.Retransmissions()).Msg("Heartbeat not acknowledged")
		}

		if heartbeatCount != 0 && sent+1 >= heartbeatCount {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
