// Command kernel-worker is the reference binary wiring the workflow
// execution kernel to in-memory storage and a gochannel event sink: it
// loads a workflow definition, registers the built-in node handlers,
// submits the workflow to a Supervisor, and streams lifecycle events
// to stderr until the execution reaches a terminal state or the
// process receives a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"

	"github.com/opkernel/workflow-kernel/pkg/kernel/clock"
	"github.com/opkernel/workflow-kernel/pkg/kernel/compiler"
	"github.com/opkernel/workflow-kernel/pkg/kernel/eventsink"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
	"github.com/opkernel/workflow-kernel/pkg/kernel/registry"
	"github.com/opkernel/workflow-kernel/pkg/kernel/runner"
	"github.com/opkernel/workflow-kernel/pkg/kernel/storage"
	"github.com/opkernel/workflow-kernel/pkg/kernel/supervisor"
	"github.com/opkernel/workflow-kernel/pkg/nodes/conditional"
	"github.com/opkernel/workflow-kernel/pkg/nodes/httprequest"
	kernellog "github.com/opkernel/workflow-kernel/pkg/nodes/log"
	"github.com/opkernel/workflow-kernel/pkg/nodes/loop"
	"github.com/opkernel/workflow-kernel/pkg/nodes/merge"
	"github.com/opkernel/workflow-kernel/pkg/nodes/subworkflow"
	switchnode "github.com/opkernel/workflow-kernel/pkg/nodes/switch"
	"github.com/opkernel/workflow-kernel/pkg/nodes/transform"
	"github.com/opkernel/workflow-kernel/pkg/nodes/trigger"
)

func main() {
	cmd := &cli.Command{
		Name:                  "kernel-worker",
		EnableShellCompletion: true,
		Usage:                 "Run a workflow definition against an in-process kernel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "workflow-file",
				Usage:    "Path to a JSON workflow definition",
				Required: true,
				Sources:  cli.EnvVars("WORKFLOW_FILE"),
			},
			&cli.StringFlag{
				Name:    "input-file",
				Usage:   "Path to a JSON object used as the execution's initial input",
				Sources: cli.EnvVars("INPUT_FILE"),
			},
			&cli.StringFlag{
				Name:    "user-id",
				Usage:   "User ID the execution runs as, for credential and HITL authorization",
				Value:   "cli-user",
				Sources: cli.EnvVars("USER_ID"),
			},
			&cli.StringFlag{
				Name:    "supervision",
				Usage:   "Supervision level (full, error_only, none)",
				Value:   string(model.SupervisionFull),
				Sources: cli.EnvVars("SUPERVISION_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list. When set, lifecycle events publish to Kafka instead of the in-process gochannel bus, for out-of-process consumers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := newLogger(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}
			logger = logger.WithField("worker_id", workerID)

			logger.Info("initializing kernel worker")

			wf, err := loadWorkflow(command.String("workflow-file"))
			if err != nil {
				return fmt.Errorf("load workflow: %w", err)
			}

			input, err := loadInput(command.String("input-file"))
			if err != nil {
				return fmt.Errorf("load input: %w", err)
			}

			reg := registry.New(logger)
			registerHandlers(reg, logger)

			store := storage.NewMemory()
			store.SeedWorkflow(wf)

			sink, closeSink, err := newEventSink(ctx, command.String("kafka-brokers"), logger)
			if err != nil {
				return fmt.Errorf("build event sink: %w", err)
			}
			defer closeSink()

			c := compiler.New(reg, logger)
			r := runner.New(reg, clock.New(), logger)
			sup := supervisor.New(c, r,
				supervisor.WithStorage(store),
				supervisor.WithEventSink(sink),
				supervisor.WithClock(clock.New()),
				supervisor.WithLogger(logger),
			)

			handle, err := sup.Start(ctx, wf, command.String("user-id"), input, supervisor.StartOptions{
				Supervision: model.SupervisionLevel(command.String("supervision")),
			})
			if err != nil {
				return fmt.Errorf("start execution: %w", err)
			}
			logger.WithField("execution_id", handle.ExecutionID).Info("execution started")

			return awaitCompletion(ctx, sup, handle.ExecutionID, command.String("user-id"), logger)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return logrus.NewEntry(l)
}

func registerHandlers(reg *registry.Registry, logger *logrus.Entry) {
	reg.Register(httprequest.New(nil))
	reg.Register(kernellog.New(logger))
	reg.Register(conditional.New())
	reg.Register(switchnode.New())
	reg.Register(merge.New())
	reg.Register(transform.New())
	reg.Register(loop.New())
	reg.Register(subworkflow.New())
	reg.Register(trigger.NewScheduler())
}

func loadWorkflow(path string) (*model.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wf model.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}

	if err := validator.New().Struct(&wf); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	return &wf, nil
}

func loadInput(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}

	return input, nil
}

// newEventSink builds the Sink the Supervisor publishes lifecycle
// events to. With no Kafka brokers configured it defaults to an
// in-process gochannel bus and watches it itself, printing every event
// to the log as it arrives. With brokers configured it publishes to
// Kafka instead, for consumers running outside this process, and
// leaves watching to them.
func newEventSink(ctx context.Context, kafkaBrokers string, logger *logrus.Entry) (eventsink.Sink, func(), error) {
	wmLogger := watermill.NewStdLogger(false, false)

	if kafkaBrokers != "" {
		pub, err := eventsink.NewKafkaPublisher(kafkaBrokers, wmLogger)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("kafka_brokers", kafkaBrokers).Info("publishing execution events to kafka")
		return eventsink.NewWatermill(pub), func() { pub.Close() }, nil
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, wmLogger)

	messages, err := pubSub.Subscribe(ctx, eventsink.Topic)
	if err != nil {
		pubSub.Close()
		return nil, nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			var event eventsink.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				logger.WithError(err).Warn("dropping malformed event")
				msg.Ack()
				continue
			}
			logger.WithFields(logrus.Fields{
				"event_type":   event.Type,
				"execution_id": event.ExecutionID,
			}).Info("execution event")
			msg.Ack()
		}
	}()

	return eventsink.NewWatermill(pubSub), func() { pubSub.Close(); <-done }, nil
}

// awaitCompletion polls the execution's status until it reaches a
// terminal state, or until a shutdown signal or the CLI's own context
// arrives first, in which case it cancels the execution before
// returning.
func awaitCompletion(ctx context.Context, sup *supervisor.Supervisor, executionID, userID string, logger *logrus.Entry) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			logger.Warn("shutdown signal received, cancelling execution")
			if err := sup.Cancel(ctx, executionID, userID); err != nil {
				logger.WithError(err).Error("failed to cancel execution")
			}
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			handle, err := sup.Status(executionID, userID)
			if err != nil {
				return fmt.Errorf("poll execution status: %w", err)
			}
			if !handle.State.IsTerminal() {
				continue
			}

			logger.WithFields(logrus.Fields{
				"state":    handle.State,
				"progress": handle.Progress,
			}).Info("execution finished")

			if handle.Error != nil {
				return fmt.Errorf("execution %s: %s", handle.State, handle.Error.Message)
			}
			return nil
		}
	}
}
