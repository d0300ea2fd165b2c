// ewcmd-demo drives the EW command channel against a simulated firmware
// and shows index correlation, nack handling and timeout retries.
//
// Run:  go run ./cmd/ewcmd-demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ironfang-ltd/go-mailbus"
)

func main() {
	emitter := mailbus.NewEmitter()

	mb := mailbus.NewSimMailbox()
	fw := mailbus.NewFirmware(mb)

	m, err := mailbus.NewMicom(mb,
		[]mailbus.CorrelatorOption{
			mailbus.WithAckTimeout(100 * time.Millisecond),
			mailbus.WithDebugLog(true),
		},
		mailbus.WithEmitter(emitter),
	)
	if err != nil {
		log.Fatalf("NewMicom: %v", err)
	}
	m.Start()
	defer m.Stop()

	ctx := context.Background()
	ew := m.EW.Correlator()

	// --- Plain round trips ---
	fmt.Println("--- Clock gating ---")
	for i := 0; i < 3; i++ {
		if _, err := m.EW.ClockGate(ctx); err != nil {
			log.Fatalf("ClockGate: %v", err)
		}
	}
	n, err := m.EW.ClockGateCount(ctx)
	if err != nil {
		log.Fatalf("ClockGateCount: %v", err)
	}
	fmt.Printf("clockgate_count=%d  next index=%d\n", n, ew.Index())

	fmt.Println("\n--- Flash test ---")
	res, err := m.EW.FlashTest(ctx)
	if err != nil {
		log.Fatalf("FlashTest: %v", err)
	}
	fmt.Printf("result=%d data_size=%d\n", res.Result, res.DataSize)

	// --- Nack: no retry, error surfaces immediately ---
	fmt.Println("\n--- Nack ---")
	fw.NackNext(1)
	if _, err := m.EW.ClockGate(ctx); errors.Is(err, mailbus.ErrAckError) {
		fmt.Printf("OK: nack reported (%v)\n", err)
	} else {
		fmt.Printf("FAIL: expected ErrAckError, got %v\n", err)
	}

	// --- Timeout: the first two attempts are dropped, the third is acked ---
	fmt.Println("\n--- Timeout and retry ---")
	fw.DropNext(2)
	before := ew.Index()
	start := time.Now()
	if _, err := m.EW.ClockGate(ctx); err != nil {
		fmt.Printf("FAIL: %v\n", err)
	} else {
		fmt.Printf("OK: acked after %s, index %d -> %d\n",
			time.Since(start).Truncate(time.Millisecond), before, ew.Index())
	}

	// --- Debug print ---
	fmt.Println("\n--- Debug print test ---")
	if _, err := m.EW.Raw(ctx, mailbus.EWCmdDbgPrintTest); err != nil {
		log.Fatalf("DbgPrintTest: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	fmt.Println("\n--- Counters ---")
	for k, v := range m.Ctrl.Metrics().Snapshot() {
		if v != 0 {
			fmt.Printf("  %-22s %d\n", k, v)
		}
	}

	fmt.Println("\n--- Log emitter ---")
	if err := emitter.Dump(os.Stdout); err != nil {
		log.Fatalf("Dump: %v", err)
	}

	fmt.Println("\nDemo complete.")
}
