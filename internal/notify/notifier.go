package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/camgrab"
)

// Notifier publishes a msgpack FrameEvent to <prefix>/frames/<context> for
// every stored frame.
//
// OnFrame runs on the acquisition goroutine and only hands the event to a
// mailbox; publishing happens on the notifier goroutine. When the broker is
// slower than acquisition, only the newest event per context is published.
type Notifier struct {
	broker Broker
	prefix string
	qos    byte
	logger *slog.Logger

	box *mailbox

	mu      sync.Mutex
	started bool
	done    chan struct{}

	published atomic.Uint64
	failed    atomic.Uint64
}

var (
	_ camgrab.FrameObserver = (*Notifier)(nil)
	_ camgrab.Consumer      = (*Notifier)(nil)
)

// NewNotifier creates a notifier publishing under prefix.
func NewNotifier(broker Broker, prefix string, qos byte, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		broker: broker,
		prefix: prefix,
		qos:    qos,
		logger: logger,
		box:    newMailbox(),
		done:   make(chan struct{}),
	}
}

// FrameTopic returns the topic of context id's frame events.
func FrameTopic(prefix string, id int) string {
	return fmt.Sprintf("%s/frames/%d", prefix, id)
}

// OnFrame queues an event for frame. It never blocks.
func (n *Notifier) OnFrame(contextID, slot int, frame *camgrab.Frame) {
	n.box.put(NewFrameEvent(contextID, slot, frame))
}

// Start launches the publishing goroutine.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return camgrab.ErrAlreadyStarted
	}
	n.started = true

	go func() {
		select {
		case <-ctx.Done():
			n.box.close()
		case <-n.done:
		}
	}()
	go n.run()

	n.logger.Info("notify: frame notifier started", "prefix", n.prefix)
	return nil
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		events := n.box.take()
		if events == nil {
			return
		}
		for _, ev := range events {
			n.publish(ev)
		}
	}
}

func (n *Notifier) publish(ev FrameEvent) {
	payload, err := ev.Marshal()
	if err == nil {
		err = n.broker.Publish(FrameTopic(n.prefix, ev.Context), n.qos, payload)
	}
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("notify: frame event not published",
			"context", ev.Context,
			"seq", ev.Seq,
			"error", err,
		)
		return
	}
	n.published.Add(1)
}

// Stop closes the mailbox and waits for the publishing goroutine. Idempotent.
func (n *Notifier) Stop() error {
	n.box.close()
	return n.Wait()
}

// Wait blocks until the publishing goroutine has exited.
func (n *Notifier) Wait() error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return nil
	}
	<-n.done
	return nil
}

// NotifierStats contains notifier counters.
type NotifierStats struct {
	Published uint64
	Failed    uint64
	Dropped   map[int]uint64
}

// Stats returns a snapshot of the notifier counters.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Published: n.published.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.box.dropped(),
	}
}
