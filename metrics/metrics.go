package metrics

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	meterName = "github.com/zlnvch/boardsync"

	clientIdKey = attribute.Key("client_id")

	packetsReceivedName  = "boardsync.udp.packets_received"
	acksSentName         = "boardsync.udp.acks_sent"
	retransmissionsName  = "boardsync.udp.retransmissions"
	packetDropsName      = "boardsync.udp.packet_drops"
	broadcastErrorsName  = "boardsync.broadcast.errors"
	rateLimitedName      = "boardsync.broadcast.rate_limited"
	actionsRejectedName  = "boardsync.actions.rejected"
	batchesFlushedName   = "boardsync.batches.flushed"
	batchesFailedName    = "boardsync.batches.failed"
	actionsPersistedName = "boardsync.actions.persisted"
	clientRTTName        = "boardsync.udp.client_rtt"
)

type ClientRTT struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
}

// Network counts transport and pipeline events on OpenTelemetry instruments. Values
// are read back through a manual reader, so Snapshot reports cumulative totals.
type Network struct {
	reader *sdkmetric.ManualReader

	packetsReceived  metric.Int64Counter
	acksSent         metric.Int64Counter
	retransmissions  metric.Int64Counter
	packetDrops      metric.Int64Counter
	broadcastErrors  metric.Int64Counter
	rateLimited      metric.Int64Counter
	actionsRejected  metric.Int64Counter
	batchesFlushed   metric.Int64Counter
	batchesFailed    metric.Int64Counter
	actionsPersisted metric.Int64Counter
	clientRTT        metric.Float64Histogram
}

func NewNetwork() *Network {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	counter := func(name string, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			log.Warn().Err(err).Str("instrument", name).Msg("Failed to create counter")
		}
		return c
	}

	rtt, err := meter.Float64Histogram(clientRTTName,
		metric.WithDescription("Round-trip time samples per client"),
		metric.WithUnit("ms"))
	if err != nil {
		log.Warn().Err(err).Str("instrument", clientRTTName).Msg("Failed to create histogram")
	}

	return &Network{
		reader:           reader,
		packetsReceived:  counter(packetsReceivedName, "Datagrams received"),
		acksSent:         counter(acksSentName, "ACKs sent"),
		retransmissions:  counter(retransmissionsName, "Reliable sends repeated after a timeout"),
		packetDrops:      counter(packetDropsName, "Malformed or unexpected datagrams dropped"),
		broadcastErrors:  counter(broadcastErrorsName, "Room fan-out sends that failed"),
		rateLimited:      counter(rateLimitedName, "Messages dropped by per-user pacing"),
		actionsRejected:  counter(actionsRejectedName, "Actions the persistence queue refused"),
		batchesFlushed:   counter(batchesFlushedName, "Action batches written"),
		batchesFailed:    counter(batchesFailedName, "Action batches that failed to write"),
		actionsPersisted: counter(actionsPersistedName, "Actions written"),
		clientRTT:        rtt,
	}
}

func (n *Network) IncPacketsReceived() { n.packetsReceived.Add(context.Background(), 1) }
func (n *Network) IncAcksSent()        { n.acksSent.Add(context.Background(), 1) }
func (n *Network) IncRetransmissions() { n.retransmissions.Add(context.Background(), 1) }
func (n *Network) IncPacketDrops()     { n.packetDrops.Add(context.Background(), 1) }
func (n *Network) IncBroadcastErrors() { n.broadcastErrors.Add(context.Background(), 1) }
func (n *Network) IncRateLimited()     { n.rateLimited.Add(context.Background(), 1) }
func (n *Network) IncActionsRejected() { n.actionsRejected.Add(context.Background(), 1) }
func (n *Network) IncBatchesFailed()   { n.batchesFailed.Add(context.Background(), 1) }

func (n *Network) AddBatchFlushed(items int) {
	ctx := context.Background()
	n.batchesFlushed.Add(ctx, 1)
	n.actionsPersisted.Add(ctx, int64(items))
}

func (n *Network) PacketsReceived() int64 { return n.Snapshot().TotalPacketsReceived }
func (n *Network) AcksSent() int64        { return n.Snapshot().TotalAcksSent }
func (n *Network) Retransmissions() int64 { return n.Snapshot().TotalRetransmissions }
func (n *Network) PacketDrops() int64     { return n.Snapshot().TotalPacketDrops }

// RecordRTT adds a sample to the client's RTT histogram.
func (n *Network) RecordRTT(clientId string, rttMs float64) {
	n.clientRTT.Record(context.Background(), rttMs, metric.WithAttributes(clientIdKey.String(clientId)))
}

type Snapshot struct {
	TotalPacketsReceived int64                `json:"totalPacketsReceived"`
	TotalAcksSent        int64                `json:"totalAcksSent"`
	TotalRetransmissions int64                `json:"totalRetransmissions"`
	TotalPacketDrops     int64                `json:"totalPacketDrops"`
	BroadcastErrors      int64                `json:"broadcastErrors"`
	RateLimited          int64                `json:"rateLimited"`
	ActionsRejected      int64                `json:"actionsRejected"`
	BatchesFlushed       int64                `json:"batchesFlushed"`
	BatchesFailed        int64                `json:"batchesFailed"`
	ActionsPersisted     int64                `json:"actionsPersisted"`
	ClientRTTs           map[string]ClientRTT `json:"clientRtts"`
}

// Snapshot collects every instrument. Instruments that have not been touched yet
// report zero.
func (n *Network) Snapshot() Snapshot {
	snap := Snapshot{ClientRTTs: make(map[string]ClientRTT)}

	var rm metricdata.ResourceMetrics
	if err := n.reader.Collect(context.Background(), &rm); err != nil {
		log.Warn().Err(err).Msg("Failed to collect metrics")
		return snap
	}

	counters := map[string]*int64{
		packetsReceivedName:  &snap.TotalPacketsReceived,
		acksSentName:         &snap.TotalAcksSent,
		retransmissionsName:  &snap.TotalRetransmissions,
		packetDropsName:      &snap.TotalPacketDrops,
		broadcastErrorsName:  &snap.BroadcastErrors,
		rateLimitedName:      &snap.RateLimited,
		actionsRejectedName:  &snap.ActionsRejected,
		batchesFlushedName:   &snap.BatchesFlushed,
		batchesFailedName:    &snap.BatchesFailed,
		actionsPersistedName: &snap.ActionsPersisted,
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				target, ok := counters[m.Name]
				if !ok {
					continue
				}
				for _, dp := range data.DataPoints {
					*target += dp.Value
				}

			case metricdata.Histogram[float64]:
				if m.Name != clientRTTName {
					continue
				}
				for _, dp := range data.DataPoints {
					clientId, ok := dp.Attributes.Value(clientIdKey)
					if !ok || dp.Count == 0 {
						continue
					}
					snap.ClientRTTs[clientId.AsString()] = ClientRTT{
						Count: int64(dp.Count),
						Avg:   dp.Sum / float64(dp.Count),
					}
				}
			}
		}
	}
	return snap
}
