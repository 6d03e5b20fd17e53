package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dmall00/opendarts-autoscore/internal/autoscore"
	"github.com/dmall00/opendarts-autoscore/internal/config"
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/pipeline"
	"github.com/dmall00/opendarts-autoscore/internal/recorder"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// Stats summarizes one replay.
type Stats struct {
	Entries  int `json:"entries"`
	Frames   int `json:"frames"`
	Invalid  int `json:"invalid"`
	Events   int `json:"events"`
	Sessions int `json:"sessions"`
}

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file for thresholds (optional)")
		summary    = flag.Bool("summary", false, "Print final session snapshots after the events")
		logLevel   = logger.WARN
		logColor   = flag.Bool("log-color", false, "Enable colored log output")
	)
	flag.Var(&logLevel, "log-level", "Log level (debug, info, warn, error, silent)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <frames.jsonl.zst>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger.Init(logLevel, os.Stderr, *logColor)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	r, err := recorder.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open recording: %v", err)
	}
	defer r.Close()

	store := session.NewStore(0)
	stats, err := replay(r, store, cfg.Thresholds, os.Stdout)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	if *summary {
		enc := json.NewEncoder(os.Stdout)
		for _, key := range store.Keys() {
			if snap, ok := store.Snapshot(key); ok {
				_ = enc.Encode(snap)
			}
		}
	}
	logger.Info("Replay", "%d entries, %d frames, %d invalid, %d events, %d sessions",
		stats.Entries, stats.Frames, stats.Invalid, stats.Events, stats.Sessions)
}

type entrySource interface {
	Next() (recorder.Entry, error)
}

// replay feeds every recorded message through a fresh engine and writes each
// emitted event to out as one JSON line.
func replay(src entrySource, store *session.Store, th autoscore.Thresholds, out io.Writer) (Stats, error) {
	var stats Stats
	enc := json.NewEncoder(out)
	var writeErr error
	sink := autoscore.SinkFunc(func(e types.Event) {
		stats.Events++
		if err := enc.Encode(types.Payload(e)); err != nil && writeErr == nil {
			writeErr = err
		}
	})
	engine := autoscore.NewEngine(store, sink, th, nil)
	replayLog := logger.For("Replay")

	for {
		entry, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		stats.Entries++

		frame, err := pipeline.Decode(entry.Raw(), entry.At)
		if err != nil {
			stats.Invalid++
			replayLog.Debug("Skipping entry %d: %v", stats.Entries, err)
			continue
		}
		stats.Frames++
		engine.HandleFrame(frame)
		if writeErr != nil {
			return stats, fmt.Errorf("write event: %w", writeErr)
		}
	}
	stats.Sessions = store.Len()
	return stats, nil
}
