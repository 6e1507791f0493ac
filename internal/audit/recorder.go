// Package audit records trade and settlement events to InfluxDB for
// time-series inspection (SPEC_FULL.md §4.7, added). It is purely
// additive: InfluxDB being slow or unreachable never affects trading
// or settlement correctness, only the completeness of this log.
package audit

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"

	"github.com/vertexfi/exchange/pkg/messaging"
)

// bufferSize bounds the channel between the bus subscriber (which must
// never block, per spec.md §5) and the writer goroutine.
const bufferSize = 4096

// Recorder subscribes to the trade and settlement topics and writes
// one InfluxDB point per event on its own goroutine.
type Recorder struct {
	client influxdb2.Client
	org    string
	bucket string
	logger *zap.Logger

	points chan *influxWrite
	done   chan struct{}
}

type influxWrite struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
}

// NewRecorder builds a recorder against the InfluxDB instance at url,
// authenticated with token, writing into org/bucket.
func NewRecorder(url, token, org, bucket string, logger *zap.Logger) *Recorder {
	r := &Recorder{
		client: influxdb2.NewClient(url, token),
		org:    org,
		bucket: bucket,
		logger: logger,
		points: make(chan *influxWrite, bufferSize),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Start subscribes to the events this recorder logs. Call once at boot.
func (r *Recorder) Start(bus *messaging.Client) error {
	if err := bus.Subscribe(messaging.TopicTradeExecuted, r.handleTrade); err != nil {
		return err
	}
	if err := bus.Subscribe(messaging.TopicSettlementConfirmed, r.handleSettlementConfirmed); err != nil {
		return err
	}
	return bus.Subscribe(messaging.TopicSettlementFailed, r.handleSettlementFailed)
}

func (r *Recorder) handleTrade(ctx context.Context, payload []byte) error {
	evt, err := messaging.DecodeJSON[messaging.TradeExecuted](payload)
	if err != nil {
		return err
	}
	r.enqueue(&influxWrite{
		measurement: "trade",
		tags: map[string]string{
			"asset": evt.Asset,
		},
		fields: map[string]interface{}{
			"trade_id":       evt.TradeID,
			"buy_order_id":   evt.BuyOrderID,
			"sell_order_id":  evt.SellOrderID,
			"amount":         evt.Amount,
			"price":          evt.Price,
			"buyer_address":  evt.BuyerAddress,
			"seller_address": evt.SellerAddress,
		},
	})
	return nil
}

func (r *Recorder) handleSettlementConfirmed(ctx context.Context, payload []byte) error {
	evt, err := messaging.DecodeJSON[messaging.SettlementConfirmed](payload)
	if err != nil {
		return err
	}
	r.enqueue(&influxWrite{
		measurement: "settlement",
		tags:        map[string]string{"status": "confirmed"},
		fields:      map[string]interface{}{"settlement_id": evt.ID},
	})
	return nil
}

func (r *Recorder) handleSettlementFailed(ctx context.Context, payload []byte) error {
	evt, err := messaging.DecodeJSON[messaging.SettlementFailed](payload)
	if err != nil {
		return err
	}
	r.enqueue(&influxWrite{
		measurement: "settlement",
		tags:        map[string]string{"status": "failed"},
		fields: map[string]interface{}{
			"settlement_id": evt.ID,
			"reason":        evt.Reason,
		},
	})
	return nil
}

// enqueue never blocks: a full buffer (InfluxDB unreachable for too
// long) drops the point rather than stall the bus subscriber.
func (r *Recorder) enqueue(w *influxWrite) {
	select {
	case r.points <- w:
	default:
		r.logger.Warn("audit: buffer full, dropping point", zap.String("measurement", w.measurement))
	}
}

func (r *Recorder) loop() {
	writeAPI := r.client.WriteAPIBlocking(r.org, r.bucket)
	for {
		select {
		case w := <-r.points:
			point := influxdb2.NewPoint(w.measurement, w.tags, w.fields, time.Now())
			if err := writeAPI.WritePoint(context.Background(), point); err != nil {
				r.logger.Warn("audit: write failed", zap.Error(err))
			}
		case <-r.done:
			return
		}
	}
}

// Close stops the writer goroutine and releases the InfluxDB client.
func (r *Recorder) Close() {
	close(r.done)
	r.client.Close()
}
