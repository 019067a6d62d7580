// Package evict bounds the memory of partially materialized state. A
// Monitor periodically polls the partial state sizes of domains and, when
// their total exceeds a limit, asks the largest domains to evict the excess.
// Domains in turn evict least-recently used keys of their largest partial
// nodes, and cascade eviction notices downstream.
package evict

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config of eviction.
type Config struct {
	MemoryLimit uint64        `long:"memory-limit" env:"MEMORY_LIMIT" default:"0" description:"Bytes of partially materialized state above which keys are evicted. Zero disables eviction"`
	Interval    time.Duration `long:"interval" env:"INTERVAL" default:"1s" description:"Interval at which partial state sizes are polled"`
}

// Domain is a domain from which partial state may be evicted.
type Domain interface {
	// Name of the Domain.
	Name() string
	// PartialSize returns the approximate bytes of partial state held by the Domain.
	PartialSize(ctx context.Context) (int, error)
	// Evict at least |bytes| of partial state, if possible, returning the
	// bytes actually freed.
	Evict(ctx context.Context, bytes int) (int, error)
}

// Victim is an amount of state to evict from an indexed candidate.
type Victim struct {
	Index int
	Bytes int
}

// Plan the eviction of |excess| bytes across candidates having |sizes|,
// taking from the largest candidates first. Candidates of equal size are
// taken in index order.
func Plan(sizes []int, excess int) []Victim {
	var order = make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return sizes[order[i]] > sizes[order[j]] })

	var out []Victim
	for _, i := range order {
		if excess <= 0 || sizes[i] <= 0 {
			break
		}
		var take = sizes[i]
		if take > excess {
			take = excess
		}
		out = append(out, Victim{Index: i, Bytes: take})
		excess -= take
	}
	return out
}

// Monitor polls Domains and evicts their excess partial state.
type Monitor struct {
	cfg     Config
	domains func() []Domain
}

// NewMonitor returns a Monitor of the Domains returned by |domains|, which is
// invoked on each poll so that Domains added by graph extension are observed.
func NewMonitor(cfg Config, domains func() []Domain) *Monitor {
	return &Monitor{cfg: cfg, domains: domains}
}

// Run polls until the Context is cancelled. It returns immediately if the
// MemoryLimit is zero.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.MemoryLimit == 0 {
		return nil
	}
	var interval = m.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := m.Poll(ctx); errors.Cause(err) == context.Canceled {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// Poll Domains once, evicting excess partial state. It returns the number
// of bytes freed.
func (m *Monitor) Poll(ctx context.Context) (int, error) {
	var domains = m.domains()
	var sizes = make([]int, len(domains))
	var total int

	for i, d := range domains {
		var size, err = d.PartialSize(ctx)
		if err != nil {
			return 0, errors.WithMessagef(err, "polling domain %s", d.Name())
		}
		sizes[i] = size
		total += size
	}
	var excess = total - int(m.cfg.MemoryLimit)
	if excess <= 0 {
		return 0, nil
	}

	log.WithFields(log.Fields{
		"total":  humanize.Bytes(uint64(total)),
		"limit":  humanize.Bytes(m.cfg.MemoryLimit),
		"excess": humanize.Bytes(uint64(excess)),
	}).Info("partial state exceeds memory limit")

	var freed int
	for _, v := range Plan(sizes, excess) {
		var n, err = domains[v.Index].Evict(ctx, v.Bytes)
		if err != nil {
			return freed, errors.WithMessagef(err, "evicting from domain %s", domains[v.Index].Name())
		}
		freed += n

		log.WithFields(log.Fields{
			"domain":    domains[v.Index].Name(),
			"requested": humanize.Bytes(uint64(v.Bytes)),
			"freed":     humanize.Bytes(uint64(n)),
		}).Debug("evicted partial state")
	}
	return freed, nil
}
