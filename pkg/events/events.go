// Package events publishes expired and near-expiry domains to Kafka for whoever acts on them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Event is the JSON value of every published record. The record key is the domain, so all
// events about one domain land on the same partition.
type Event struct {
	ID         string     `json:"id"`
	Domain     string     `json:"domain"`
	Class      string     `json:"class"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// Publisher implements poller.Publisher over a franz-go client
type Publisher struct {
	Client *kgo.Client
	Topic  string
	Logger *zerolog.Logger
}

// New connects to the seed brokers. Records go to topic, which is created on first use if the
// cluster allows it.
func New(brokers []string, topic string, logger *zerolog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &Publisher{Client: client, Topic: topic, Logger: logger}, nil
}

// Record encodes a finding
func Record(topic string, f poller.Finding) (*kgo.Record, error) {
	value, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Domain:     f.Name,
		Class:      string(f.Class),
		ExpiryDate: f.ExpiryDate,
		CheckedAt:  f.CheckedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", f.Name, err)
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(f.Name),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: "class", Value: []byte(f.Class)}},
	}, nil
}

// Publish produces one record per finding and waits until every one is acknowledged
func (p *Publisher) Publish(ctx context.Context, findings []poller.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, 0, len(findings))
	for _, f := range findings {
		rec, err := Record(p.Topic, f)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if err := p.Client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("publishing %d findings: %w", len(recs), err)
	}
	if p.Logger != nil {
		p.Logger.Info().Int("findings", len(recs)).Str("topic", p.Topic).Msg("findings published")
	}
	return nil
}

// Close releases the client
func (p *Publisher) Close() {
	p.Client.Close()
}

var _ poller.Publisher = (*Publisher)(nil)
