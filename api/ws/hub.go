package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxConnectionsPerUser = 5

	// How long shutdown waits for open connections to finish tearing down
	shutdownGrace = 5 * time.Second
)

// Hub tracks the open websocket clients. Room membership lives in the registry;
// the hub enforces the per-user connection limit and lets shutdown wait for every
// client to be released.
type Hub struct {
	OpenCh  chan *Client
	CloseCh chan *Client

	maxConnectionsPerUser int
	userToClients         map[string]map[*Client]struct{}
	countCh               chan chan int
	done                  chan struct{}
}

func NewHub(maxConnectionsPerUser int) *Hub {
	if maxConnectionsPerUser <= 0 {
		maxConnectionsPerUser = DefaultMaxConnectionsPerUser
	}
	return &Hub{
		OpenCh:                make(chan *Client, 256),
		CloseCh:               make(chan *Client, 256),
		maxConnectionsPerUser: maxConnectionsPerUser,
		userToClients:         make(map[string]map[*Client]struct{}),
		countCh:               make(chan chan int),
		done:                  make(chan struct{}),
	}
}

func (h *Hub) Run(shutdownCtx context.Context) {
	defer close(h.done)

	var grace <-chan time.Time
	shutdown := shutdownCtx.Done()

	for {
		select {
		case client := <-h.OpenCh:
			userId := client.identity.UserId
			if _, ok := h.userToClients[userId]; !ok {
				h.userToClients[userId] = make(map[*Client]struct{})
			}

			if len(h.userToClients[userId]) >= h.maxConnectionsPerUser || grace != nil {
				log.Warn().Str("user_id", userId).Int("max", h.maxConnectionsPerUser).Msg("User reached max connections")
				if len(h.userToClients[userId]) == 0 {
					delete(h.userToClients, userId)
				}
				client.Close()
				continue
			}

			h.userToClients[userId][client] = struct{}{}

		case client := <-h.CloseCh:
			userId := client.identity.UserId
			delete(h.userToClients[userId], client)
			if len(h.userToClients[userId]) == 0 {
				delete(h.userToClients, userId)
			}
			if grace != nil && len(h.userToClients) == 0 {
				return
			}

		case reply := <-h.countCh:
			reply <- h.count()

		case <-shutdown:
			shutdown = nil
			if len(h.userToClients) == 0 {
				return
			}
			log.Info().Int("clients", h.count()).Msg("Waiting for websocket clients to close")
			grace = time.After(shutdownGrace)

		case <-grace:
			log.Warn().Int("clients", h.count()).Msg("Websocket clients still open after shutdown grace period")
			return
		}
	}
}

func (h *Hub) count() int {
	n := 0
	for _, clients := range h.userToClients {
		n += len(clients)
	}
	return n
}

// Connections returns the number of open clients.
func (h *Hub) Connections() int {
	reply := make(chan int, 1)
	select {
	case h.countCh <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) open(client *Client) {
	select {
	case h.OpenCh <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) close(client *Client) {
	select {
	case h.CloseCh <- client:
	case <-h.done:
	}
}

// Done is closed once every client has been released after shutdown.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
