package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/ironfang-ltd/go-mailbus"
)

type profile struct {
	name        string
	conns       int
	workers     int
	queueDepth  int
	traceBins   int
	ringDepth   int
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		conns:       100,
		workers:     4,
		queueDepth:  64,
		traceBins:   32,
		ringDepth:   64,
		memLimitGiB: 1,
	},
	"medium": {
		name:        "medium",
		conns:       1_000,
		workers:     16,
		queueDepth:  128,
		traceBins:   32,
		ringDepth:   256,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		conns:       10_000,
		workers:     64,
		queueDepth:  256,
		traceBins:   64,
		ringDepth:   1024,
		memLimitGiB: 4,
	},
}

type counters struct {
	unicasts   atomic.Int64
	broadcasts atomic.Int64
	received   atomic.Int64
	sendErrors atomic.Int64
	commands   atomic.Int64
	cmdErrors  atomic.Int64
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	connsFlag := flag.Int("conns", 0, "bus connections (overrides profile)")
	workersFlag := flag.Int("workers", 0, "bus workers (overrides profile)")
	cmdWorkers := flag.Int("cmdworkers", 2, "EW command workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	memlimit := flag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	bcastpct := flag.Int("bcastpct", 5, "percentage of broadcasts among bus sends (0-100)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}

	// Apply overrides.
	if *connsFlag > 0 {
		p.conns = *connsFlag
	}
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}
	if *bcastpct < 0 || *bcastpct > 100 {
		fmt.Fprintf(os.Stderr, "bcastpct must be 0-100\n")
		os.Exit(1)
	}

	// GC tuning.
	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		gcInfo = fmt.Sprintf("GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	// Startup banner.
	fmt.Printf("go-mailbus load test\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  conns:    %s\n", humanize.Comma(int64(p.conns)))
	fmt.Printf("  workers:  %d bus, %d ewcmd\n", p.workers, *cmdWorkers)
	fmt.Printf("  mix:      %d%% broadcast / %d%% unicast\n", *bcastpct, 100-*bcastpct)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Printf("  GC:       %s\n", gcInfo)
	fmt.Printf("  queues:   conn=%d  trace=%d  ring=%d\n", p.queueDepth, p.traceBins, p.ringDepth)
	fmt.Println()

	metrics := mailbus.NewMetrics()

	bus := mailbus.NewBus("loadtest",
		mailbus.WithQueueDepth(p.queueDepth),
		mailbus.WithTraceBins(p.traceBins),
		mailbus.WithBusMetrics(metrics),
	)
	conns := make([]*mailbus.Conn, p.conns)
	for i := range conns {
		tgid := 1000 + i/8
		c, err := bus.Attach(mailbus.NewCreds(tgid*10+i%8, fmt.Sprintf("worker-%d", i), tgid, fmt.Sprintf("group-%d", tgid)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "attach error: %v\n", err)
			os.Exit(1)
		}
		conns[i] = c
	}

	mb := mailbus.NewSimMailbox()
	mailbus.NewFirmware(mb)
	m, err := mailbus.NewMicom(mb,
		[]mailbus.CorrelatorOption{mailbus.WithAckTimeout(200 * time.Millisecond)},
		mailbus.WithRingDepth(p.ringDepth),
		mailbus.WithMetrics(metrics),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "micom error: %v\n", err)
		os.Exit(1)
	}
	m.Start()

	var c counters
	cpuStart := processCPUTime()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	bcastThreshold := float64(*bcastpct) / 100.0

	for range p.workers {
		g.Go(func() error {
			for gctx.Err() == nil {
				src := conns[rand.IntN(len(conns))]
				msg := mailbus.Message{Cookie: rand.Uint64N(1 << 32)}
				if rand.Float64() < bcastThreshold {
					msg.DstID = mailbus.BroadcastID
				} else {
					msg.DstID = conns[rand.IntN(len(conns))].ID()
				}

				if err := src.Send(msg); err != nil {
					c.sendErrors.Add(1)
				} else if msg.DstID == mailbus.BroadcastID {
					c.broadcasts.Add(1)
				} else {
					c.unicasts.Add(1)
				}

				dst := conns[rand.IntN(len(conns))]
				for {
					if _, err := dst.Recv(); err != nil {
						break
					}
					c.received.Add(1)
				}
			}
			return nil
		})
	}

	for range *cmdWorkers {
		g.Go(func() error {
			for gctx.Err() == nil {
				_, err := m.EW.ClockGateCount(gctx)
				if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
					c.cmdErrors.Add(1)
				}
				c.commands.Add(1)
			}
			return nil
		})
	}

	// Progress reporting.
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				printProgress(metrics, time.Since(start).Truncate(time.Second))
			}
		}
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
	}

	fmt.Printf("\n--- stopping ---\n")
	m.Stop()
	bus.Close()

	// Final summary.
	elapsed := time.Since(start)
	cpu := processCPUTime() - cpuStart
	totalOps := c.unicasts.Load() + c.broadcasts.Load() + c.commands.Load()

	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  CPU time:        %s (%.0f%%)\n", cpu.Truncate(time.Millisecond), 100*cpu.Seconds()/elapsed.Seconds())
	fmt.Printf("  Unicasts:        %s\n", humanize.Comma(c.unicasts.Load()))
	fmt.Printf("  Broadcasts:      %s\n", humanize.Comma(c.broadcasts.Load()))
	fmt.Printf("  Received:        %s\n", humanize.Comma(c.received.Load()))
	fmt.Printf("  Send errors:     %s\n", humanize.Comma(c.sendErrors.Load()))
	fmt.Printf("  EW commands:     %s\n", humanize.Comma(c.commands.Load()))
	fmt.Printf("  EW errors:       %s\n", humanize.Comma(c.cmdErrors.Load()))
	fmt.Printf("  Aggregate OPS:   %s\n\n", humanize.Commaf(float64(int64(float64(totalOps)/elapsed.Seconds()))))

	printProgress(metrics, elapsed.Truncate(time.Second))

	os.Exit(0)
}

func printProgress(m *mailbus.Metrics, elapsed time.Duration) {
	s := m.Snapshot()
	fmt.Printf("[%s] conns=%d\n", elapsed, s["connections_active"])
	fmt.Printf("  %12s %12s %12s %12s %10s %10s %10s %10s\n",
		"SENT", "RECV", "DROPPED", "TRACED", "CMDS", "TIMEOUT", "RETRIES", "IRQ")
	fmt.Printf("  %12s %12s %12s %12s %10s %10s %10s %10s\n",
		humanize.Comma(s["messages_sent"]),
		humanize.Comma(s["messages_received"]),
		humanize.Comma(s["messages_dropped"]),
		humanize.Comma(s["trace_events_logged"]),
		humanize.Comma(s["commands_total"]),
		humanize.Comma(s["commands_timed_out"]),
		humanize.Comma(s["command_retries"]),
		humanize.Comma(s["interrupts_total"]),
	)
	fmt.Println()
}
