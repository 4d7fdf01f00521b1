package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerHandler_Execute_ValidSchedule(t *testing.T) {
	h := NewScheduler()
	config := map[string]any{"cron_expression": "0 9 * * *", "timezone": "UTC"}

	result, err := h.Execute(context.Background(), map[string]any{"source": "manual"}, config, nil)
	require.NoError(t, err)
	assert.Equal(t, OutputDefault, result.OutputHandle)
	assert.Equal(t, "0 9 * * *", result.Data["cron_expression"])
	assert.NotNil(t, result.Data["next_fire_time"])
}

func TestSchedulerHandler_Execute_DefaultsTimezoneToUTC(t *testing.T) {
	h := NewScheduler()
	result, err := h.Execute(context.Background(), nil, map[string]any{"cron_expression": "*/5 * * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "UTC", result.Data["timezone"])
}

func TestSchedulerHandler_Execute_InvalidCronExpression(t *testing.T) {
	h := NewScheduler()
	_, err := h.Execute(context.Background(), nil, map[string]any{"cron_expression": "not a cron"}, nil)
	assert.Error(t, err)
}

func TestSchedulerHandler_Execute_InvalidTimezone(t *testing.T) {
	h := NewScheduler()
	config := map[string]any{"cron_expression": "0 9 * * *", "timezone": "Not/AZone"}
	_, err := h.Execute(context.Background(), nil, config, nil)
	assert.Error(t, err)
}

func TestSchedulerHandler_Execute_MissingCronExpression(t *testing.T) {
	h := NewScheduler()
	_, err := h.Execute(context.Background(), nil, map[string]any{}, nil)
	assert.Error(t, err)
}
