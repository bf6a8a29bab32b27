package kafkautil

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/fastprodman/ticketeconomy/internal/config"
)

// ProducerConfig waits for all in-sync replicas and reports successes, which
// a SyncProducer requires.
func ProducerConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	return sc
}

func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return producer, nil
}
