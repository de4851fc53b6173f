package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/models"
)

// Dispatcher is the outbound side the worker hands rendered messages to.
type Dispatcher interface {
	SendEmail(ctx context.Context, target, subject, body string) error
	SendSMS(ctx context.Context, target, message string) error
}

type (
	// Worker drains the delivery queue and turns payloads into provider
	// sends. Delivery is at least once; a retried job may send a duplicate
	// notification.
	Worker struct {
		queue      Queue
		dispatcher Dispatcher
		templates  models.Templates
		config     WorkerConfig
		logger     *zap.SugaredLogger
	}

	WorkerConfig struct {
		WebURL      string `split_words:"true" default:"http://localhost:3000"`
		Concurrency int    `default:"4"`
	}
)

func workerConfigProvider() (WorkerConfig, error) {
	var config WorkerConfig
	if err := envconfig.Process("worker", &config); err != nil {
		return WorkerConfig{}, err
	}
	return config, nil
}

func NewWorker(queue Queue, dispatcher Dispatcher, templates models.Templates, config WorkerConfig, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		queue:      queue,
		dispatcher: dispatcher,
		templates:  templates,
		config:     config,
		logger:     logger,
	}
}

// Run consumes jobs until ctx is done, processing at most Concurrency jobs
// at a time.
func (w *Worker) Run(ctx context.Context) error {
	workers := pool.New().WithMaxGoroutines(w.concurrency())

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			workers.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}

		workers.Go(func() {
			w.ProcessJob(ctx, job)
		})
	}
}

// ProcessJob dispatches one delivery job. Failures go back through the
// queue's retry mechanism so the whole job is re-attempted.
func (w *Worker) ProcessJob(ctx context.Context, job *Job) {
	logger := w.logger.With(zap.String("job", job.ID), zap.String("name", job.Name), zap.Int("attempts", job.Attempts))

	if err := w.deliver(ctx, job); err != nil {
		logger.With(zap.Error(err)).Warn("delivery job failed")
		if err := w.queue.Retry(ctx, job, err); err != nil {
			logger.With(zap.Error(err)).Error("rescheduling delivery job failed")
		}
		return
	}
	if err := w.queue.Ack(ctx, job); err != nil {
		// The job was delivered; a failed ack means at worst a duplicate
		// send after a restart.
		logger.With(zap.Error(err)).Warn("acknowledging delivery job failed")
	}
	logger.Debug("delivery job completed")
}

func (w *Worker) deliver(ctx context.Context, job *Job) error {
	if job.Name != models.JobNameDelivery {
		// Unknown jobs are dropped rather than retried; retrying cannot fix them.
		w.logger.With(zap.String("name", job.Name)).Error("dropping job with unknown name")
		return nil
	}

	var payload models.DeliveryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.With(zap.Error(err)).Error("dropping job with undecodable payload")
		return nil
	}

	subject, body, err := w.render(payload)
	if err != nil {
		return err
	}

	if payload.Method == models.MethodEmail || payload.Method == models.MethodBoth || payload.Method == "" {
		if err := w.dispatcher.SendEmail(ctx, payload.Email, subject, body); err != nil {
			return err
		}
	}
	if payload.Method == models.MethodSMS || payload.Method == models.MethodBoth {
		if payload.Phone == "" {
			return errors.New("worker: sms delivery requested without a phone number")
		}
		if err := w.dispatcher.SendSMS(ctx, payload.Phone, w.smsText(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) render(payload models.DeliveryPayload) (string, string, error) {
	name := models.TemplateNameInvitation
	if payload.Reminder {
		name = models.TemplateNameReminder
	}

	template, ok := w.templates[name]
	if !ok {
		return "", "", errors.Errorf("worker: unknown template %q", name)
	}

	return template.Execute(map[string]interface{}{
		"Email":     payload.Email,
		"Role":      payload.Role,
		"ExpiresAt": payload.ExpiresAt.Format("January 2, 2006 15:04 MST"),
		"JoinURL":   w.joinURL(payload.Token),
		"WebURL":    w.config.WebURL,
	})
}

func (w *Worker) smsText(payload models.DeliveryPayload) string {
	if payload.Reminder {
		return fmt.Sprintf("Reminder: your invitation expires %s. Join at %s",
			payload.ExpiresAt.Format("Jan 2 15:04 MST"), w.joinURL(payload.Token))
	}
	return fmt.Sprintf("You have been invited to join as %s. Accept at %s", payload.Role, w.joinURL(payload.Token))
}

func (w *Worker) joinURL(token string) string {
	return fmt.Sprintf("%s/join/%s", w.config.WebURL, token)
}

func (w *Worker) concurrency() int {
	if w.config.Concurrency <= 0 {
		return 4
	}
	return w.config.Concurrency
}
