// Package queue moves validated events through Kafka: a synchronous producer
// on the gateway side and a consumer group on the processor side.
package queue

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/security"
)

// HeaderIdempotencyKey carries the event's idempotency key alongside the payload
const HeaderIdempotencyKey = "idempotency-key"

// newSaramaConfig builds the client settings shared by producer and consumer
func newSaramaConfig(cfg config.KafkaConfig, clientID string) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = clientID

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		sc.Version = version
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword

		switch cfg.SASLMechanism {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	tlsConfig, err := security.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("kafka TLS: %w", err)
	}
	if tlsConfig != nil {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	return sc, nil
}

// ProducerConfig returns the sarama settings for the ingestion producer
func ProducerConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc, err := newSaramaConfig(cfg, cfg.ProducerClientID)
	if err != nil {
		return nil, err
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	// retries are driven by Producer.Publish so failures surface to the caller
	sc.Producer.Retry.Max = 0
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch cfg.CompressionCodec {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	return sc, nil
}

// ConsumerConfig returns the sarama settings for the processor consumer group
func ConsumerConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc, err := newSaramaConfig(cfg, cfg.ConsumerClientID)
	if err != nil {
		return nil, err
	}

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}

	if cfg.InitialOffset == "oldest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	return sc, nil
}

// headerCarrier adapts sarama record headers for trace context propagation
type headerCarrier struct {
	headers *[]sarama.RecordHeader
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if string(h.Key) == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, string(h.Key))
	}
	return keys
}
