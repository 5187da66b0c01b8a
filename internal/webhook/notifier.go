package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lisa-sandbox/lisa-api/pkg/metrics"
	"go.uber.org/zap"
)

const (
	TaskIDPlaceholder = "<task_id>"

	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"

	defaultQueueSize = 256
	defaultWorkers   = 2
)

type delivery struct {
	url    string
	taskID string
	body   []byte
}

// Notifier posts task results to externally configured URLs. Deliveries run
// in the background, are attempted once and never fail the caller.
type Notifier struct {
	client    *http.Client
	queue     chan delivery
	workers   int
	queueSize int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(n *Notifier)

func WithWorkers(workers int) Option {
	return func(n *Notifier) {
		if workers > 0 {
			n.workers = workers
		}
	}
}

func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		n.client = c
	}
}

func NewNotifier(timeout time.Duration, opts ...Option) *Notifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		client:    &http.Client{Timeout: timeout},
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(n)
	}

	n.queue = make(chan delivery, n.queueSize)
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// ExpandURL substitutes the task id placeholder in template.
func ExpandURL(template, taskID string) string {
	return strings.ReplaceAll(template, TaskIDPlaceholder, taskID)
}

// Notify queues a POST of payload to template. An empty template is a no-op.
func (n *Notifier) Notify(template, taskID string, payload any) {
	if template == "" {
		return
	}
	logger := zap.S().Named("webhook")

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Warnw("failed to encode webhook payload", "task_id", taskID, "error", err)
		metrics.IncreaseWebhookDeliveriesMetric(ResultFailed)
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		logger.Warnw("notifier closed, dropping webhook", "task_id", taskID)
		metrics.IncreaseWebhookDeliveriesMetric(ResultDropped)
		return
	}

	select {
	case n.queue <- delivery{url: ExpandURL(template, taskID), taskID: taskID, body: body}:
	default:
		logger.Warnw("webhook queue full, dropping notification", "task_id", taskID)
		metrics.IncreaseWebhookDeliveriesMetric(ResultDropped)
	}
}

// Close stops accepting notifications and waits for queued ones until ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for d := range n.queue {
		n.deliver(d)
	}
}

func (n *Notifier) deliver(d delivery) {
	logger := zap.S().Named("webhook")
	if err := n.Post(context.Background(), d.url, d.body); err != nil {
		logger.Warnw("failed to deliver webhook", "task_id", d.taskID, "url", d.url, "error", err)
		metrics.IncreaseWebhookDeliveriesMetric(ResultFailed)
		return
	}
	logger.Debugw("webhook delivered", "task_id", d.taskID, "url", d.url)
	metrics.IncreaseWebhookDeliveriesMetric(ResultDelivered)
}

// Post sends body as JSON to url. Any non-2xx response is an error.
func (n *Notifier) Post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}
