// Package events publishes presence lifecycle notifications to a Kafka
// topic. Delivery is fire-and-forget: presence correctness never depends
// on downstream consumers, so publish failures are logged and swallowed.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-presence/internal/models"
	"github.com/example/driver-presence/internal/observability"
)

// cellPrecision yields ~150m geohash cells, enough for downstream
// supply/demand aggregation without shipping raw positions around.
const cellPrecision = 7

const (
	TypeDriverOnline  = "driver.online"
	TypeDriverOffline = "driver.offline"
	TypeRideStarted   = "ride.started"
	TypeRideEnded     = "ride.ended"
	TypeDriverEvicted = "driver.evicted"
)

// Event is the wire shape of a presence lifecycle notification.
type Event struct {
	Type     string              `json:"type"`
	DriverID string              `json:"driver_id"`
	Cell     string              `json:"cell,omitempty"`
	Location *models.Coordinates `json:"location,omitempty"`
	Pool     string              `json:"pool,omitempty"`
	At       time.Time           `json:"at"`
}

type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	p := &Publisher{logger: logger}
	p.writer = &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		// Async delivery: presence transitions must never wait on broker
		// acknowledgement. Failures surface through Completion.
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err == nil {
				return
			}
			observability.EventPublishFailures.Add(float64(len(messages)))
			p.logger.Warn("event publish failed", "count", len(messages), "error", err)
		},
	}
	return p
}

func (p *Publisher) DriverOnline(driverID string, loc models.Coordinates) {
	p.publish(Event{Type: TypeDriverOnline, DriverID: driverID, Location: &loc})
}

func (p *Publisher) DriverOffline(driverID string) {
	p.publish(Event{Type: TypeDriverOffline, DriverID: driverID})
}

func (p *Publisher) RideStarted(driverID string, loc *models.Coordinates) {
	p.publish(Event{Type: TypeRideStarted, DriverID: driverID, Location: loc})
}

func (p *Publisher) RideEnded(driverID string, loc *models.Coordinates) {
	p.publish(Event{Type: TypeRideEnded, DriverID: driverID, Location: loc})
}

func (p *Publisher) DriverEvicted(driverID, pool string) {
	p.publish(Event{Type: TypeDriverEvicted, DriverID: driverID, Pool: pool})
}

func (p *Publisher) publish(ev Event) {
	ev.At = time.Now()
	if ev.Location != nil {
		ev.Cell = geohash.EncodeWithPrecision(ev.Location.Latitude, ev.Location.Longitude, cellPrecision)
	}
	// With an async writer this only enqueues; the timeout bounds the
	// enqueue when the internal queue is saturated.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b}); err != nil {
		observability.EventPublishFailures.Inc()
		p.logger.Warn("event publish failed", "type", ev.Type, "driver_id", ev.DriverID, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
