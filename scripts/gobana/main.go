package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"NetTrafficSentinel/internal/writer"
)

func main() {
	top := flag.Int("n", 20, "Number of flows to print")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/gobana <snapshot_dir>")
		os.Exit(1)
	}

	snap, err := writer.LoadGobSnapshot(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load snapshot: %v", err)
	}

	totals := snap.Totals()
	fmt.Printf("Snapshot %s\n", snap.ID)
	fmt.Printf("Epoch:   %s .. %s\n", snap.EpochStart.Format("2006-01-02 15:04:05"), snap.EpochEnd.Format("2006-01-02 15:04:05"))
	fmt.Printf("Flows:   %d\nBytes:   %d\nPackets: %d\n\n", totals.Flows, totals.Bytes, totals.Packets)

	for i, r := range snap.Records {
		if i == *top {
			break
		}
		fmt.Printf("%-50s %12d B %8d pkts\n", r.Key, r.Counter.Bytes, r.Counter.Packets)
	}
}
