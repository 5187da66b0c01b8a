package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers  []string
	ClientID string
	Version  sarama.KafkaVersion
}

// KafkaWriter publishes events as structured cloudevents JSON, keyed by subject.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(producer sarama.SyncProducer) *KafkaWriter {
	return &KafkaWriter{producer: producer}
}

func newSaramaConfig(cfg KafkaConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	if cfg.Version != (sarama.KafkaVersion{}) {
		config.Version = cfg.Version
	}
	return config
}

// ConnectKafkaWriter retries the producer connection with exponential backoff
// for up to maxElapsed.
func ConnectKafkaWriter(cfg KafkaConfig, maxElapsed time.Duration) (*KafkaWriter, error) {
	var producer sarama.SyncProducer

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig(cfg))
		if err != nil {
			zap.S().Named("kafka_writer").Warnw("failed to connect to kafka", "brokers", cfg.Brokers, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	return NewKafkaWriter(producer), nil
}

func (k *KafkaWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(e.Subject()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/cloudevents+json")},
			{Key: []byte("ce_type"), Value: []byte(e.Type())},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	zap.S().Named("kafka_writer").Debugw("event sent", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.producer.Close()
}
