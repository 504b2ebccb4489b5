package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camgrab"
)

// Command is a control plane message received on <prefix>/control.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is published on <prefix>/status after every command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks are invoked by the control handler. A nil callback makes the
// command report "not implemented".
type Callbacks struct {
	// OnStop runs the same cancellation path as SIGINT
	OnStop func() error
	// OnStatus returns the acquisition status
	OnStatus func() map[string]any
}

// ControlTopic returns the command topic under prefix.
func ControlTopic(prefix string) string { return prefix + "/control" }

// StatusTopic returns the response topic under prefix.
func StatusTopic(prefix string) string { return prefix + "/status" }

// Control subscribes to the command topic and executes commands in order.
type Control struct {
	broker    Broker
	prefix    string
	qos       byte
	callbacks Callbacks
	logger    *slog.Logger

	commands chan Command
	closeMu  sync.Mutex
	closed   bool
	started  atomic.Bool
	done     chan struct{}
}

var _ camgrab.Consumer = (*Control)(nil)

// NewControl creates a handler for commands under prefix.
func NewControl(broker Broker, prefix string, qos byte, callbacks Callbacks, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{
		broker:    broker,
		prefix:    prefix,
		qos:       qos,
		callbacks: callbacks,
		logger:    logger,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the command topic and processes commands until ctx ends or Stop.
func (c *Control) Start(ctx context.Context) error {
	topic := ControlTopic(c.prefix)
	if err := c.broker.Subscribe(topic, c.qos, c.onMessage); err != nil {
		return fmt.Errorf("notify: control plane: %w", err)
	}
	c.logger.Info("notify: control plane started", "topic", topic)
	c.started.Store(true)
	go c.process(ctx)
	return nil
}

// Stop unsubscribes and ends command processing. Idempotent.
func (c *Control) Stop() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.commands)
	c.closeMu.Unlock()

	err := c.broker.Unsubscribe(ControlTopic(c.prefix))
	c.logger.Info("notify: control plane stopped")
	return err
}

// Done is closed when command processing has ended.
func (c *Control) Done() <-chan struct{} { return c.done }

// Wait blocks until command processing has ended. Returns at once when never started.
func (c *Control) Wait() error {
	if !c.started.Load() {
		return nil
	}
	<-c.done
	return nil
}

func (c *Control) onMessage(_ string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Error("notify: failed to parse control command", "error", err)
		c.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}
	c.logger.Info("notify: control command received", "command", cmd.Command)

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.commands <- cmd:
	default:
		c.logger.Warn("notify: command queue full, dropping command", "command", cmd.Command)
	}
}

func (c *Control) process(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.commands:
			if !ok {
				return
			}
			c.handle(cmd)
		}
	}
}

func (c *Control) handle(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "stop", "shutdown":
		if c.callbacks.OnStop == nil {
			resp.Status, resp.Error = "error", "stop not implemented"
			break
		}
		// acknowledge before stopping: the broker connection goes away with the session
		c.respond(Response{CommandAck: cmd.Command, Status: "stopping"})
		if err := c.callbacks.OnStop(); err != nil {
			c.logger.Error("notify: stop command failed", "error", err)
		}
		return

	case "status", "get_status":
		if c.callbacks.OnStatus == nil {
			resp.Status, resp.Error = "error", "status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = c.callbacks.OnStatus()

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}
	c.respond(resp)
}

func (c *Control) respond(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("notify: failed to marshal response", "error", err)
		return
	}
	if err := c.broker.Publish(StatusTopic(c.prefix), c.qos, payload); err != nil {
		c.logger.Warn("notify: failed to publish response", "command", resp.CommandAck, "error", err)
	}
}
