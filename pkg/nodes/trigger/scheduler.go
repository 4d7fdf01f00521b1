// Package trigger implements entry-point node handlers for
// externally-driven workflows. SchedulerHandler is the one concrete
// example carried over from the teacher's trigger nodes: it validates
// a cron expression and timezone and reports the schedule's next fire
// time, using the same cron parser the teacher's dispatcher would use
// to decide when to call Supervisor.Start. Actually dispatching
// executions on that schedule (the source-provider transport) is out
// of scope; this handler only demonstrates the registry wiring a real
// scheduler dispatcher would build on.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const SchedulerTypeTag = "trigger:scheduler"

const OutputDefault = "default"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SchedulerHandler is the entry node of a workflow meant to run on a
// cron schedule. It carries no state of its own: every Execute call
// re-parses config["cron_expression"] against config["timezone"] and
// reports the result, so config changes take effect without
// redeploying a handler instance.
type SchedulerHandler struct{}

func NewScheduler() *SchedulerHandler { return &SchedulerHandler{} }

func (h *SchedulerHandler) TypeTag() string { return SchedulerTypeTag }

func (h *SchedulerHandler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Name: "cron_expression", Type: model.FieldTypeString, Required: true},
		{Name: "timezone", Type: model.FieldTypeString},
	}
}

func (h *SchedulerHandler) DeclaredCredentials() []string { return nil }
func (h *SchedulerHandler) DeclaredOutputs() []string      { return []string{OutputDefault} }

func (h *SchedulerHandler) Execute(_ context.Context, input map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	cronExpr, _ := config["cron_expression"].(string)
	if cronExpr == "" {
		return model.NodeResult{}, fmt.Errorf("cron_expression is required")
	}

	timezone := "UTC"
	if tz, ok := config["timezone"].(string); ok && tz != "" {
		timezone = tz
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return model.NodeResult{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return model.NodeResult{}, fmt.Errorf("invalid cron_expression %q: %w", cronExpr, err)
	}

	now := time.Now().In(loc)
	next := schedule.Next(now)

	return model.NodeResult{
		Data: map[string]any{
			"cron_expression": cronExpr,
			"timezone":        timezone,
			"execution_time":  now,
			"next_fire_time":  next,
			"trigger_data":    input,
		},
		OutputHandle: OutputDefault,
	}, nil
}
