package eventsink

import (
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

// NewKafkaPublisher builds the watermill Kafka publisher backing a
// cross-process Watermill Sink, for deployments where consumers of
// node_started/node_completed/hitl_requested events run outside this
// process. brokersCSV is a comma-separated broker list, mirroring the
// teacher's KAFKA_BROKERS environment variable.
func NewKafkaPublisher(brokersCSV string, logger watermill.LoggerAdapter) (*kafka.Publisher, error) {
	brokers := strings.Split(brokersCSV, ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("eventsink: no kafka brokers configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
			OTELEnabled:           true,
		},
		logger,
	)
}
