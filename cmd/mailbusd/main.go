// mailbusd brings up a simulated micom mailbox and a demo bus, generates a
// little traffic, then serves the debug files over HTTP until interrupted.
//
// Run:
//
//	go run ./cmd/mailbusd                     # defaults, admin on :9090
//	go run ./cmd/mailbusd -config mailbus.yaml
//
// Admin endpoints:
//
//	GET  /kdbus/                            buses and connection ids
//	GET  /kdbus/system/1                    connection info and trace
//	POST /kdbus/system/1                    same, into the log emitter
//	GET  /kdbus/system/stat                 connections per thread group
//	GET  /kdbus/logger                      log emitter dump
//	GET  /micom-ewcmd/clockgate_count       EW command attribute files
//	POST /micom-ewcmd/send_ewcmd            body: command id
//	GET  /micom/version?target=0            firmware component version
//	GET  /status                            uptime, buses, counters
//	GET  /metrics                           Prometheus
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ironfang-ltd/go-mailbus"
)

// task is one demo process attaching to the bus.
type task struct {
	pid  int
	comm string
	tgid int
	tg   string
}

var tasks = []task{
	{pid: 1201, comm: "dbus-broker", tgid: 1201, tg: "dbus-broker"},
	{pid: 1302, comm: "audiod", tgid: 1300, tg: "audiod"},
	{pid: 1303, comm: "audiod:mixer", tgid: 1300, tg: "audiod"},
	{pid: 1410, comm: "launcher", tgid: 1410, tg: "launcher"},
	{pid: 1304, comm: "audiod:io", tgid: 1300, tg: "audiod"},
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file (empty = defaults)")
	adminAddr := flag.String("admin", "", "admin listen address (overrides config)")
	flag.Parse()

	cfg := mailbus.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = mailbus.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}

	level, err := mailbus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	mailbus.InitLogger(level)

	emitter := mailbus.NewEmitter(cfg.EmitterOptions()...)
	metrics := mailbus.NewMetrics()

	// Micom side: simulated register block with a scripted firmware peer.
	mb := mailbus.NewSimMailbox()
	fw := mailbus.NewFirmware(mb)
	fw.SetDelay(cfg.Firmware.ReplyDelay)
	fw.SetVersion(0, mailbus.Version{API: 0x0102, Drv: 0x0304})

	ctrlOpts := append(cfg.ControllerOptions(),
		mailbus.WithEmitter(emitter),
		mailbus.WithMetrics(metrics),
	)
	m, err := mailbus.NewMicom(mb, cfg.CorrelatorOptions(), ctrlOpts...)
	if err != nil {
		log.Fatalf("micom: %v", err)
	}
	m.Start()

	// Bus side.
	busOpts := append(cfg.BusOptions(),
		mailbus.WithBusEmitter(emitter),
		mailbus.WithBusMetrics(metrics),
	)
	bus := mailbus.NewBus(cfg.Bus.Name, busOpts...)

	if err := seedTraffic(bus); err != nil {
		log.Fatalf("bus traffic: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := exerciseMicom(ctx, m, fw); err != nil {
		slog.Warn("micom warm-up failed", "error", err)
	}

	admin, err := mailbus.NewAdminServer(cfg.Admin.Addr, mailbus.AdminTargets{
		Micom:   m,
		Buses:   []*mailbus.Bus{bus},
		Emitter: emitter,
	})
	if err != nil {
		log.Fatalf("admin: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		admin.Start()
		<-gctx.Done()
		admin.Stop()
		return nil
	})

	// Firmware heartbeat on the debug print lane.
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n++
				if err := fw.Print(fmt.Sprintf("heartbeat %d\n", n)); err != nil {
					return fmt.Errorf("firmware print: %w", err)
				}
			}
		}
	})

	fmt.Println()
	fmt.Println("--- mailbusd running. Try these endpoints: ---")
	fmt.Printf("  curl http://%s/kdbus/\n", admin.Addr())
	fmt.Printf("  curl http://%s/kdbus/%s/1\n", admin.Addr(), bus.Name())
	fmt.Printf("  curl http://%s/kdbus/%s/stat\n", admin.Addr(), bus.Name())
	fmt.Printf("  curl http://%s/kdbus/logger\n", admin.Addr())
	fmt.Printf("  curl http://%s/micom-ewcmd/clockgate_count\n", admin.Addr())
	fmt.Printf("  curl http://%s/status\n", admin.Addr())
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mailbusd stopped with error", "error", err)
	}

	fmt.Println("\nShutting down...")
	bus.Close()
	m.Stop()
}

// seedTraffic attaches the demo tasks and leaves a few of each trace kind
// behind so the debug files have something to show.
func seedTraffic(bus *mailbus.Bus) error {

	conns := make([]*mailbus.Conn, len(tasks))
	for i, t := range tasks {
		c, err := bus.Attach(mailbus.NewCreds(t.pid, t.comm, t.tgid, t.tg))
		if err != nil {
			return err
		}
		conns[i] = c
	}

	broker, audio, mixer, launcher := conns[0], conns[1], conns[2], conns[3]

	if err := broker.AcquireName("org.freedesktop.DBus"); err != nil {
		return err
	}
	if err := audio.AcquireName("com.example.Audio"); err != nil {
		return err
	}

	steps := []struct {
		from *mailbus.Conn
		msg  mailbus.Message
	}{
		{launcher, mailbus.Message{DstName: "com.example.Audio", Cookie: 1,
			Flags: mailbus.MsgExpectReply | mailbus.MsgSync, TimeoutNS: uint64(25 * time.Second)}},
		{mixer, mailbus.Message{DstID: audio.ID(), Cookie: 1}},
		{broker, mailbus.Message{DstID: mailbus.BroadcastID, Cookie: 100}},
	}
	for _, s := range steps {
		if err := s.from.Send(s.msg); err != nil {
			return err
		}
	}

	if _, err := audio.Recv(); err != nil {
		return err
	}
	if err := audio.Send(mailbus.Message{DstID: launcher.ID(), Cookie: 2, CookieReply: 1}); err != nil {
		return err
	}
	if _, err := launcher.Recv(); err != nil {
		return err
	}

	slog.Info("demo bus seeded", "bus", bus.Name(), "connections", bus.Conns().Count())
	return nil
}

func exerciseMicom(ctx context.Context, m *mailbus.Micom, fw *mailbus.Firmware) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.EW.ClockGate(ctx); err != nil {
		return err
	}
	n, err := m.EW.ClockGateCount(ctx)
	if err != nil {
		return err
	}
	v, err := m.Syscall.GetVersion(ctx, 0)
	if err != nil {
		return err
	}
	if err := fw.Print("micom boot complete\n"); err != nil {
		return err
	}

	slog.Info("micom warm-up", "clockgate_count", n, "api", v.API, "drv", v.Drv)
	return nil
}
