// Package channel receives platform webhooks, authenticates them and hands
// the decoded events to the processing pipeline.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"inboxbot/internal/agent"
	"inboxbot/internal/domain"
)

const (
	defaultMaxBodyBytes   = 1 << 20
	defaultBatchTimeout   = 25 * time.Second
	defaultProcessTimeout = 60 * time.Second
)

// Processor handles one decoded inbound event.
type Processor interface {
	Handle(ctx context.Context, evt domain.InboundEvent) (agent.Outcome, error)
}

// dispatcher fans a batch of events out to goroutines. The caller waits at
// most batchTimeout; the work itself runs under a context detached from the
// HTTP request so it can outlive the acknowledgement.
type dispatcher struct {
	processor      Processor
	batchTimeout   time.Duration
	processTimeout time.Duration
	logger         *slog.Logger
	inflight       sync.WaitGroup
}

func newDispatcher(p Processor, batchTimeout, processTimeout time.Duration, logger *slog.Logger) *dispatcher {
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	if processTimeout <= 0 {
		processTimeout = defaultProcessTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatcher{
		processor:      p,
		batchTimeout:   batchTimeout,
		processTimeout: processTimeout,
		logger:         logger,
	}
}

// run processes events concurrently and reports whether all of them
// finished before the batch timeout.
func (d *dispatcher) run(events []domain.InboundEvent) bool {
	if len(events) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.processTimeout)

	var batch sync.WaitGroup
	for _, evt := range events {
		batch.Add(1)
		d.inflight.Add(1)
		go func(evt domain.InboundEvent) {
			defer d.inflight.Done()
			defer batch.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panic",
						"channel", evt.Channel, "kind", evt.Kind, "sender", evt.SenderID, "panic", fmt.Sprint(r))
				}
			}()
			if _, err := d.processor.Handle(ctx, evt); err != nil {
				d.logger.Debug("event not processed", "channel", evt.Channel, "kind", evt.Kind, "err", err)
			}
		}(evt)
	}

	done := make(chan struct{})
	go func() {
		batch.Wait()
		cancel()
		close(done)
	}()

	timer := time.NewTimer(d.batchTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		d.logger.Warn("webhook batch still running after timeout, acknowledging",
			"events", len(events), "timeout", d.batchTimeout)
		return false
	}
}

// wait blocks until every dispatched event has finished.
func (d *dispatcher) wait() { d.inflight.Wait() }

// ClientIP returns the caller address used for rate limiting. With
// trustProxy the first X-Forwarded-For hop wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds rounds d up to whole seconds, minimum one.
func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
