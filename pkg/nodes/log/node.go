// Package log implements the "log" node handler: emits its
// (already template-resolved) message at a configured level through
// logrus, the kernel's ambient logging stack, and always routes to
// "default".
package log

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "log"

const OutputDefault = "default"

var levels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// Handler logs config["message"] at config["level"] (default "info").
type Handler struct {
	logger *logrus.Entry
}

// New builds a log handler writing through logger, or a discard
// logger when logger is nil.
func New(logger *logrus.Entry) *Handler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Handler{logger: logger.WithField("node_type", TypeTag)}
}

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Name: "message", Type: model.FieldTypeString, Required: true},
		{Name: "level", Type: model.FieldTypeSelect, Options: []string{"debug", "info", "warn", "error"}},
	}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputDefault} }

func (h *Handler) Execute(_ context.Context, _ map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	message, ok := config["message"].(string)
	if !ok {
		return model.NodeResult{}, fmt.Errorf("missing required field 'message'")
	}

	level := "info"
	if lvl, ok := config["level"].(string); ok && lvl != "" {
		level = lvl
	}
	lv, ok := levels[level]
	if !ok {
		return model.NodeResult{}, fmt.Errorf("invalid log level %q", level)
	}
	h.logger.Log(lv, message)

	return model.NodeResult{
		Data:         map[string]any{"message": message, "level": level},
		OutputHandle: OutputDefault,
	}, nil
}
