package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"thirdcoast.systems/sceneindex/internal/faces"
	"thirdcoast.systems/sceneindex/internal/queue"
)

var ErrInvalidRequest = errors.New("invalid face correction request")

var validate = validator.New()

// Validate checks a request before it is enqueued or executed.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func decode[T any](raw []byte) (T, error) {
	var req T
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, Validate(req)
}

// Handler returns the queue handler for one of the face correction queues.
func (e *Engine) Handler(queueName string) (asynq.Handler, error) {
	var run func(context.Context, []byte) (*Result, error)
	switch queueName {
	case queue.FaceLabelling:
		run = func(ctx context.Context, raw []byte) (*Result, error) {
			req, err := decode[LabelRequest](raw)
			if err != nil {
				return nil, err
			}
			return e.Label(ctx, req)
		}
	case queue.FaceDeletion:
		run = func(ctx context.Context, raw []byte) (*Result, error) {
			req, err := decode[DeleteRequest](raw)
			if err != nil {
				return nil, err
			}
			return e.Delete(ctx, req)
		}
	case queue.FaceRename:
		run = func(ctx context.Context, raw []byte) (*Result, error) {
			req, err := decode[RenameRequest](raw)
			if err != nil {
				return nil, err
			}
			return e.Rename(ctx, req)
		}
	default:
		return nil, fmt.Errorf("queue %q is not a face correction queue", queueName)
	}

	tracer := otel.Tracer("sceneindex/consistency")
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		taskID, _ := asynq.GetTaskID(ctx)
		ctx, span := tracer.Start(ctx, "correction."+queueName, trace.WithAttributes(
			attribute.String("task.id", taskID),
		))
		defer span.End()

		res, err := run(ctx, t.Payload())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, ErrInvalidRequest) || errors.Is(err, faces.ErrInvalidName) || errors.Is(err, faces.ErrOutsideArchive) ||
				errors.Is(err, ErrNoScenesForIDs) {
				slog.Error("rejecting face correction", "queue", queueName, "task_id", taskID, "error", err)
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		if w := t.ResultWriter(); w != nil {
			body, _ := json.Marshal(res)
			if _, err := w.Write(body); err != nil {
				slog.Debug("could not store correction result", "task_id", taskID, "error", err)
			}
		}
		return nil
	}), nil
}

// ProcessingTask is one in-flight label or delete operation.
type ProcessingTask struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	State    queue.TaskState `json:"state"`
	Name     string          `json:"name,omitempty"`
	Faces    []string        `json:"faces,omitempty"`
	JSONFile string          `json:"jsonFile,omitempty"`
	Retried  int             `json:"retried"`
}

// TaskLister is satisfied by *queue.Inspector.
type TaskLister interface {
	ListInFlight(base string) ([]queue.TaskSummary, error)
}

// Processing lists active, waiting and delayed label and delete operations.
func Processing(l TaskLister) ([]ProcessingTask, error) {
	out := []ProcessingTask{}
	for _, q := range []string{queue.FaceLabelling, queue.FaceDeletion} {
		tasks, err := l.ListInFlight(q)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			pt := ProcessingTask{ID: t.ID, Queue: q, State: t.State, Retried: t.Retried}
			switch q {
			case queue.FaceLabelling:
				var req LabelRequest
				if json.Unmarshal(t.Payload, &req) == nil {
					pt.Name, pt.Faces = req.Name, req.Faces
				}
			case queue.FaceDeletion:
				var req DeleteRequest
				if json.Unmarshal(t.Payload, &req) == nil {
					pt.JSONFile = req.JSONFile
				}
			}
			out = append(out, pt)
		}
	}
	return out, nil
}
