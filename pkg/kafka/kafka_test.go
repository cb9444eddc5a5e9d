package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ara-campus/ara/pkg/config"
)

type reloadSignal struct {
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
}

func TestDecodeJSON(t *testing.T) {
	sig, err := DecodeJSON[reloadSignal]([]byte(`{"reason":"admin","source":"redis"}`))
	require.NoError(t, err)
	assert.Equal(t, reloadSignal{Reason: "admin", Source: "redis"}, sig)

	_, err = DecodeJSON[reloadSignal]([]byte(`not json`))
	assert.ErrorContains(t, err, "decoding kafka message")
}

func TestPublishBatchRejectsUnencodableValue(t *testing.T) {
	p := NewProducer(config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}}, "t")
	defer p.Close()

	err := p.PublishBatch(context.Background(), []Event{{Key: "k", Value: make(chan int)}})
	assert.ErrorContains(t, err, "marshaling event")
	assert.NoError(t, p.PublishBatch(context.Background(), nil))
}

var _ Publisher = (*Producer)(nil)
