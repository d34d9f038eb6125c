package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/zlnvch/boardsync/api/rest"
	"github.com/zlnvch/boardsync/api/ws"
	"github.com/zlnvch/boardsync/cache"
	"github.com/zlnvch/boardsync/config"
	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/mq"
	"github.com/zlnvch/boardsync/presence"
	"github.com/zlnvch/boardsync/service"
	"github.com/zlnvch/boardsync/store"
	"github.com/zlnvch/boardsync/udp"
	"github.com/zlnvch/boardsync/worker"
)

type BoardsyncAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	wsHub       *ws.Hub
	udpServer   *udp.Server

	actionBatcher  *worker.ActionBatcher
	counterBatcher *worker.CounterBatcher

	shutdownCtx context.Context
	wg          conc.WaitGroup
}

// NewBoardsyncAPI wires the sync core and starts its background loops. They all stop
// when shutdownCtx is cancelled; Wait blocks until buffered work is flushed.
func NewBoardsyncAPI(
	cfg *config.Config,
	boardStore store.BoardStore,
	roomDeletedQueue mq.MessageQueue,
	boardCache cache.BoardCache,
	jwtSecret []byte,
	shutdownCtx context.Context,
) (*BoardsyncAPI, error) {
	m := metrics.NewNetwork()

	registry := hub.NewRegistry(cfg.Room.DefaultCapacity)
	dispatcher := hub.NewDispatcher(registry, cfg.Broadcast.Workers, cfg.Broadcast.MinInterval, m)
	participants := hub.NewParticipants(cfg.Participants.IdleTimeout, cfg.Participants.SweepInterval)

	counterBatcher := worker.NewCounterBatcher(boardStore, cfg.Counter.FlushInterval)
	actionBatcher := worker.NewActionBatcher(boardStore, worker.ActionBatcherConfig{
		BatchSize:     cfg.Batch.Size,
		FlushInterval: cfg.Batch.FlushInterval,
		QueueCapacity: cfg.Batch.QueueCapacity,
		EnqueueWait:   cfg.Batch.EnqueueWait,
	}, counterBatcher, m)

	tracker := presence.NewTracker(cfg.Presence.TTL, cfg.Presence.SweepInterval)
	udpServer := udp.NewServer(tracker, m)
	retransmitter := udp.NewRetransmitter(udpServer, m)

	notifier := service.NewNotifier(shutdownCtx, boardCache, tracker, retransmitter, cfg.Retransmit.MaxRetries, cfg.Retransmit.BaseTimeout)
	tracker.AddListener(notifier)

	svc := service.NewService(
		boardStore,
		roomDeletedQueue,
		registry,
		dispatcher,
		participants,
		actionBatcher,
		tracker,
		m,
	)

	resolver := service.NewJWTResolver(jwtSecret)
	wsHub := ws.NewHub(cfg.WS.MaxConnectionsPerUser)

	a := &BoardsyncAPI{
		restHandler:    rest.NewHandler(svc, notifier, resolver, udpServer, wsHub.Connections),
		wsHandler:      ws.NewHandler(svc, resolver, wsHub),
		wsHub:          wsHub,
		udpServer:      udpServer,
		actionBatcher:  actionBatcher,
		counterBatcher: counterBatcher,
		shutdownCtx:    shutdownCtx,
	}

	mqConsumer := worker.NewMQConsumer(roomDeletedQueue, svc)

	// The action batcher's final flush still reports counts, so the counter batcher
	// stops after it
	counterCtx, stopCounter := context.WithCancel(context.Background())
	go func() {
		<-actionBatcher.Done()
		stopCounter()
	}()

	go wsHub.Run(shutdownCtx)
	go counterBatcher.Run(counterCtx)
	go actionBatcher.Run(shutdownCtx)
	a.wg.Go(func() { mqConsumer.Run(shutdownCtx) })
	a.wg.Go(func() { tracker.Run(shutdownCtx) })
	a.wg.Go(func() { participants.Run(shutdownCtx) })
	a.wg.Go(func() {
		if err := notifier.Subscribe(shutdownCtx); err != nil && shutdownCtx.Err() == nil {
			log.Error().Err(err).Msg("Notification subscription stopped")
		}
	})

	return a, nil
}

// ServeUDP runs the presence transport until the shutdown context is cancelled.
func (a *BoardsyncAPI) ServeUDP(addr string) error {
	return a.udpServer.ListenAndServe(a.shutdownCtx, addr)
}

func (a *BoardsyncAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	mux.HandleFunc("/health", a.restHandler.HandleHealth)
	mux.HandleFunc("/metrics", a.restHandler.HandleMetrics)
	mux.HandleFunc("/presence", a.restHandler.HandlePresence)
	mux.HandleFunc("/presence/broadcast", a.restHandler.HandlePresenceBroadcast)
	mux.HandleFunc("/rooms", a.restHandler.HandleRooms)
	mux.HandleFunc("/rooms/{id}", a.restHandler.HandleRoom)
	mux.HandleFunc("/rooms/{id}/actions", a.restHandler.HandleRoomActions)
	mux.HandleFunc("/rooms/{id}/participants", a.restHandler.HandleRoomParticipants)
	mux.HandleFunc("/notifications", a.restHandler.HandleNotifications)

	wsUpgrader := a.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		a.wsHandler.ServeWS(wsUpgrader, w, r, a.shutdownCtx)
	})
}

// Wait blocks until every background loop has stopped. Websocket clients are closed
// first, then queued actions are flushed, then action counters.
func (a *BoardsyncAPI) Wait() {
	<-a.wsHub.Done()
	<-a.actionBatcher.Done()
	<-a.counterBatcher.Done()
	a.wg.Wait()
}
