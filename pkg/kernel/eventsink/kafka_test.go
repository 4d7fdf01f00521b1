package eventsink

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
)

func TestNewKafkaPublisher_RejectsEmptyBrokers(t *testing.T) {
	_, err := NewKafkaPublisher("", watermill.NopLogger{})
	assert.Error(t, err)
}
