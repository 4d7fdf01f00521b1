package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturingHandler() (*Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	return New(logrus.NewEntry(l)), &buf
}

func TestHandler_Execute_Info(t *testing.T) {
	h, buf := newCapturingHandler()
	result, err := h.Execute(context.Background(), nil, map[string]any{"message": "processing user john_doe"}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutputDefault, result.OutputHandle)
	assert.Equal(t, "info", result.Data["level"])
	assert.Contains(t, buf.String(), "processing user john_doe")
}

func TestHandler_Execute_InvalidLevel(t *testing.T) {
	h, _ := newCapturingHandler()
	_, err := h.Execute(context.Background(), nil, map[string]any{"message": "hi", "level": "verbose"}, nil)
	assert.Error(t, err)
}

func TestHandler_Execute_MissingMessage(t *testing.T) {
	h, _ := newCapturingHandler()
	_, err := h.Execute(context.Background(), nil, map[string]any{}, nil)
	assert.Error(t, err)
}
