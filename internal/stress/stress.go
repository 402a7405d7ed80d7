// Package stress hammers shared containers from many goroutines and checks that every
// shared value is torn down exactly once and every node is reclaimed.
package stress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/nodebox"
	"github.com/vkngwrapper/arsenal/nodebox/node"
	"github.com/vkngwrapper/arsenal/nodebox/node/slab"
	"github.com/vkngwrapper/arsenal/nodebox/node/typed"
	"golang.org/x/exp/slog"
)

const maxPayloads = 1024

type inspectableAllocator interface {
	node.Allocator
	Count() int
	Validate() error
	BuildStatsString(detailedMap bool) string
}

// runState receives teardown reports from payloads. Payloads live in allocator memory
// that may not hold Go pointers, so they find it through a package variable instead.
type runState struct {
	teardowns [maxPayloads]atomic.Int32
	corrupted atomic.Int32
}

var (
	activeRun atomic.Pointer[runState]
	runMutex  sync.Mutex
)

type payload struct {
	slot     int32
	checksum uint64
}

func checksumFor(slot int32) uint64 {
	return uint64(slot+1) * 0x9E3779B97F4A7C15
}

func (p *payload) valid() bool {
	return p.checksum == checksumFor(p.slot)
}

func (p *payload) Drop() {
	state := activeRun.Load()
	if !p.valid() {
		state.corrupted.Add(1)
	}
	state.teardowns[p.slot].Add(1)
}

// Report summarizes a finished run
type Report struct {
	RunID     uuid.UUID
	Allocator string
	Payloads  int
	Workers   int
	Rounds    int
	Clones    uint64
	Teardowns int
	Cancelled bool
	Duration  time.Duration
	// AllocatorStats is the allocator's own JSON stats document, taken after the run
	AllocatorStats string
}

func (r Report) JSON() []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("RunId").String(r.RunID.String())
	obj.Name("Allocator").String(r.Allocator)
	obj.Name("Payloads").Int(r.Payloads)
	obj.Name("Workers").Int(r.Workers)
	obj.Name("Rounds").Int(r.Rounds)
	obj.Name("Clones").Int(int(r.Clones))
	obj.Name("Teardowns").Int(r.Teardowns)
	obj.Name("Cancelled").Bool(r.Cancelled)
	obj.Name("DurationMs").Float64(float64(r.Duration) / float64(time.Millisecond))
	if r.AllocatorStats != "" {
		obj.Name("AllocatorStats").Raw([]byte(r.AllocatorStats))
	}

	obj.End()
	return writer.Bytes()
}

func newAllocator(logger *slog.Logger, config Config, runID uuid.UUID) (inspectableAllocator, error) {
	name := "stress-" + runID.String()[:8]

	switch config.Allocator {
	case AllocatorTyped:
		return typed.New(logger, typed.CreateOptions{Name: name})
	case AllocatorSlab:
		strategy, err := config.allocationStrategy()
		if err != nil {
			return nil, err
		}
		return slab.New(logger, slab.CreateOptions{
			Name:      name,
			BlockSize: config.BlockSize,
			Strategy:  strategy,
		})
	default:
		return nil, errors.Newf("unknown allocator %q", config.Allocator)
	}
}

// Run performs one stress run. Cancelling ctx stops the workers early; the run still
// drops everything it created and verifies the teardowns. Runs are serialized.
func Run(ctx context.Context, logger *slog.Logger, config Config) (Report, error) {
	err := config.Validate()
	if err != nil {
		return Report{}, err
	}

	runMutex.Lock()
	defer runMutex.Unlock()

	state := &runState{}
	activeRun.Store(state)
	defer activeRun.Store(nil)

	report := Report{
		RunID:     uuid.New(),
		Allocator: config.Allocator,
		Payloads:  config.Payloads,
		Workers:   config.Workers,
		Rounds:    config.Rounds,
	}
	logger = logger.With(slog.String("RunId", report.RunID.String()))

	allocator, err := newAllocator(logger, config, report.RunID)
	if err != nil {
		return report, errors.Wrap(err, "creating allocator")
	}

	roots := make([]*nodebox.Arc[payload], 0, config.Payloads)
	for slot := 0; slot < config.Payloads; slot++ {
		root, err := nodebox.NewArc(allocator, payload{slot: int32(slot), checksum: checksumFor(int32(slot))})
		if err != nil {
			for _, created := range roots {
				created.Drop()
			}
			return report, errors.Wrapf(err, "creating payload %d", slot)
		}
		roots = append(roots, root)
	}

	logger.Info("Starting stress run",
		slog.String("Allocator", config.Allocator),
		slog.Int("Payloads", config.Payloads),
		slog.Int("Workers", config.Workers),
		slog.Int("Rounds", config.Rounds),
	)

	var clones atomic.Uint64
	var cancelled atomic.Bool
	start := time.Now()

	var wg sync.WaitGroup
	for worker := 0; worker < config.Workers; worker++ {
		owned := make([]*nodebox.Arc[payload], len(roots))
		for i, root := range roots {
			owned[i] = root.Clone()
		}

		wg.Add(1)
		go func(worker int, owned []*nodebox.Arc[payload]) {
			defer wg.Done()
			defer func() {
				for _, arc := range owned {
					arc.Drop()
				}
			}()

			clones.Add(uint64(runWorker(ctx, worker, config.Rounds, allocator, owned, &cancelled)))
		}(worker, owned)
	}

	for _, root := range roots {
		root.Drop()
	}
	wg.Wait()

	report.Duration = time.Since(start)
	report.Clones = clones.Load()
	report.Cancelled = cancelled.Load()
	report.AllocatorStats = allocator.BuildStatsString(config.DetailedMap)

	for slot := 0; slot < config.Payloads; slot++ {
		teardowns := int(state.teardowns[slot].Load())
		report.Teardowns += teardowns
		if teardowns != 1 {
			return report, errors.AssertionFailedf("payload %d was torn down %d times", slot, teardowns)
		}
	}

	if corrupted := state.corrupted.Load(); corrupted > 0 {
		return report, errors.AssertionFailedf("%d payloads were torn down with a bad checksum", corrupted)
	}

	if live := allocator.Count(); live != 0 {
		return report, errors.AssertionFailedf("%d nodes are still active after the run", live)
	}

	err = allocator.Validate()
	if err != nil {
		return report, errors.Wrap(err, "validating allocator after the run")
	}

	logger.Info("Finished stress run",
		slog.Uint64("Clones", report.Clones),
		slog.Duration("Duration", report.Duration),
		slog.Bool("Cancelled", report.Cancelled),
	)

	return report, nil
}

// runWorker clones and drops its shared values, occasionally passing one through a
// leaked address, and returns the number of clones it made
func runWorker(ctx context.Context, worker int, rounds int, allocator node.Allocator, owned []*nodebox.Arc[payload], cancelled *atomic.Bool) int {
	clones := 0

	for round := 0; round < rounds; round++ {
		if round%64 == 0 && ctx.Err() != nil {
			cancelled.Store(true)
			return clones
		}

		arc := owned[(worker+round)%len(owned)]
		if !arc.Get().valid() {
			panic(errors.AssertionFailedf("worker %d observed a corrupted payload in slot %d", worker, arc.Get().slot))
		}

		local := arc.Clone()
		clones++

		switch round % 3 {
		case 0:
			local.Drop()
		case 1:
			leaked := local.Leak()
			nodebox.AdoptArc(allocator, leaked).Drop()
		default:
			leaked := local.Leak()
			again := nodebox.CloneFromLeaked(allocator, leaked)
			clones++
			again.Drop()
			nodebox.AdoptArc(allocator, leaked).Drop()
		}
	}

	return clones
}
