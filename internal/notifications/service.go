package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"talkingheads/internal/config"
	"talkingheads/internal/logging"
)

const userAgent = "TalkingHeads-Go/0.1.0"

// Service publishes run events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
	Close() error
}

// NewService builds the notifiers enabled in cfg. A NATS server that cannot
// be reached is logged and skipped so renders still proceed.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	logger = logging.NewComponentLogger(logger, "notifications")
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var services multiService
	if topic := strings.TrimSpace(cfg.Notifications.NtfyTopic); topic != "" {
		services = append(services, &ntfyService{endpoint: topic, client: &http.Client{Timeout: timeout}})
	}
	if url := strings.TrimSpace(cfg.Notifications.NATSURL); url != "" {
		conn, err := nats.Connect(url, nats.Name("talkingheads"), nats.Timeout(timeout))
		if err != nil {
			logger.Warn("nats unavailable; run events will not be published",
				logging.String("nats_url", url),
				logging.Error(err),
				logging.String(logging.FieldEventType, "nats_connect_failed"),
				logging.String(logging.FieldErrorHint, "check notifications.nats_url or unset it"),
			)
		} else {
			services = append(services, newNATSService(conn, cfg.Notifications.NATSSubject))
		}
	}
	switch len(services) {
	case 0:
		return noopService{}
	case 1:
		return services[0]
	default:
		return services
	}
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) Close() error { return nil }

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// publisher is the subset of *nats.Conn the NATS notifier needs.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

type natsService struct {
	conn    publisher
	subject string
}

func newNATSService(conn publisher, subject string) *natsService {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "talkingheads.runs"
	}
	return &natsService{conn: conn, subject: subject}
}

// envelope is the JSON document published for every event.
type envelope struct {
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   Payload   `json:"payload,omitempty"`
}

func (n *natsService) Publish(ctx context.Context, event Event, payload Payload) error {
	env := envelope{Event: event, Timestamp: time.Now().UTC(), Payload: sanitize(payload)}
	if msg, ok := format(event, payload); ok {
		env.Title = msg.title
		env.Message = msg.body
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode nats event: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+string(event), data); err != nil {
		return fmt.Errorf("publish nats event: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats event: %w", err)
	}
	return nil
}

func (n *natsService) Close() error {
	n.conn.Close()
	return nil
}

// sanitize converts values that do not marshal usefully (errors, durations)
// into strings.
func sanitize(p Payload) Payload {
	if len(p) == 0 {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		switch typed := v.(type) {
		case error:
			out[k] = typed.Error()
		case time.Duration:
			out[k] = typed.Seconds()
		default:
			out[k] = v
		}
	}
	return out
}

type multiService []Service

func (m multiService) Publish(ctx context.Context, event Event, payload Payload) error {
	var errs []error
	for _, svc := range m {
		if err := svc.Publish(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiService) Close() error {
	var errs []error
	for _, svc := range m {
		if err := svc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
func (noopService) Close() error                                   { return nil }
