package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerConfigValidate(t *testing.T) {
	cfg := defaultProducerConfig()
	assert.ErrorIs(t, cfg.validate(), ErrNoBrokers)

	cfg.Brokers = []string{"localhost:9092"}
	require.NoError(t, cfg.validate())

	bad := cfg
	bad.Compression = "brotli"
	assert.Error(t, bad.validate())

	bad = cfg
	bad.RequiredAcks = 2
	assert.Error(t, bad.validate())

	bad = cfg
	bad.MaxAttempts = 0
	assert.Error(t, bad.validate())
}

func TestNewProducerAppliesOptions(t *testing.T) {
	_, err := NewProducer()
	assert.ErrorIs(t, err, ErrNoBrokers)

	p, err := NewProducer(
		WithBrokers([]string{"localhost:9092"}),
		WithCompression("lz4"),
		WithRequiredAcks(1),
		WithHashByKey(false),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	assert.Equal(t, kafka.Lz4, p.writer.Compression)
	assert.Equal(t, kafka.RequireOne, p.writer.RequiredAcks)
	assert.IsType(t, &kafka.LeastBytes{}, p.writer.Balancer)
}

func TestParseCompression(t *testing.T) {
	assert.Equal(t, kafka.Snappy, parseCompression(""))
	assert.Equal(t, kafka.Gzip, parseCompression("gzip"))
	assert.Equal(t, kafka.Zstd, parseCompression("zstd"))
	assert.Equal(t, kafka.Compression(0), parseCompression("none"))
}
