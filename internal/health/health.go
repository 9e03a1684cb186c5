// Package health reports whether the service and its dependencies can do
// useful work.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"inboxbot/internal/domain"
	"inboxbot/internal/outbound"
)

// Status is the overall or per-check verdict.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const (
	defaultCheckTimeout = 2 * time.Second
	kvCheckKey          = "health:check"
)

// Pinger is satisfied by the message store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is the result of probing one dependency.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the JSON document served by the readiness endpoints.
type Report struct {
	Status    Status            `json:"status"`
	Version   string            `json:"version,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Uptime    string            `json:"uptime"`
	Checks    []Check           `json:"checks"`
	Breakers  map[string]string `json:"breakers,omitempty"`
	Backends  []string          `json:"backends"`
}

// ReporterConfig wires the dependencies to check. Nil dependencies are
// reported as not configured.
type ReporterConfig struct {
	Store     Pinger
	KV        domain.KVStore
	Breakers  *outbound.Breakers
	Backends  []string
	Version   string
	StartedAt time.Time
	Timeout   time.Duration
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Reporter struct {
	store     Pinger
	kv        domain.KVStore
	breakers  *outbound.Breakers
	backends  []string
	version   string
	startedAt time.Time
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Clock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCheckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reporter{
		store:     cfg.Store,
		kv:        cfg.KV,
		breakers:  cfg.Breakers,
		backends:  cfg.Backends,
		version:   cfg.Version,
		startedAt: cfg.StartedAt,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}
}

// Report checks every dependency. The result is down when the message
// store is unreachable and degraded when any breaker is open, the KV store
// fails its check or no generation backend is configured.
func (r *Reporter) Report(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rep := Report{
		Status:    StatusOK,
		Version:   r.version,
		StartedAt: r.startedAt,
		Uptime:    strings.TrimSpace(humanize.RelTime(r.startedAt, r.now(), "", "")),
		Backends:  append([]string{}, r.backends...),
	}
	add := func(c Check) {
		rep.Checks = append(rep.Checks, c)
		rep.Status = worst(rep.Status, c.Status)
	}

	add(r.checkStore(ctx))
	add(r.checkKV(ctx))

	if len(r.backends) == 0 {
		add(Check{Name: "generation", Status: StatusDegraded, Detail: "no backend configured, replies use fallback texts"})
	} else {
		add(Check{Name: "generation", Status: StatusOK, Detail: strconv.Itoa(len(r.backends)) + " backend(s)"})
	}

	if r.breakers != nil {
		states := r.breakers.States()
		rep.Breakers = make(map[string]string, len(states))
		var open []string
		for dest, st := range states {
			rep.Breakers[dest] = st.String()
			if st == outbound.StateOpen {
				open = append(open, dest)
			}
		}
		sort.Strings(open)
		if len(open) > 0 {
			add(Check{Name: "outbound", Status: StatusDegraded, Detail: fmt.Sprintf("circuit open for %v", open)})
		} else {
			add(Check{Name: "outbound", Status: StatusOK})
		}
	}

	if rep.Status != StatusOK {
		r.logger.Debug("health report", "status", rep.Status, "checks", len(rep.Checks))
	}
	return rep
}

func (r *Reporter) checkStore(ctx context.Context) Check {
	c := Check{Name: "store"}
	if r.store == nil {
		c.Status, c.Detail = StatusDown, "not configured"
		return c
	}
	start := r.now()
	if err := r.store.Ping(ctx); err != nil {
		c.Status, c.Detail = StatusDown, err.Error()
		return c
	}
	c.Status, c.Detail = StatusOK, "ping "+r.now().Sub(start).Round(time.Microsecond).String()
	return c
}

// checkKV round-trips a short-lived key.
func (r *Reporter) checkKV(ctx context.Context) Check {
	c := Check{Name: "kv"}
	if r.kv == nil {
		c.Status, c.Detail = StatusDegraded, "not configured"
		return c
	}
	stamp := []byte(strconv.FormatInt(r.now().UnixNano(), 10))
	if err := r.kv.Set(ctx, kvCheckKey, stamp, 10*time.Second); err != nil {
		c.Status, c.Detail = StatusDegraded, err.Error()
		return c
	}
	got, ok, err := r.kv.Get(ctx, kvCheckKey)
	switch {
	case err != nil:
		c.Status, c.Detail = StatusDegraded, err.Error()
	case !ok || string(got) != string(stamp):
		c.Status, c.Detail = StatusDegraded, "check key not readable"
	default:
		c.Status = StatusOK
	}
	return c
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusDown: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
