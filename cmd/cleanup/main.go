// Command cleanup collapses repeated phrases in stored transcripts. It is a
// dry run unless -apply is given.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/n10l/speechrelay/internal/app"
	"github.com/n10l/speechrelay/internal/cleanup"
	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/logging"
	"github.com/n10l/speechrelay/internal/store"
	"github.com/n10l/speechrelay/internal/transcript"
)

func main() {
	cfg := app.LoadConfigFromEnv()

	databaseURL := flag.String("db", cfg.DatabaseURL, "Database URL (postgres://..., sqlite:<path>)")
	apply := flag.Bool("apply", false, "Rewrite records (default is a dry run)")
	producerID := flag.String("producer", "", "Only records whose producer id contains this")
	channelID := flag.String("channel", "", "Only records in this channel")
	window := flag.Int("window", transcript.DefaultCollapseOptions().MaxWindow, "Longest repeated phrase in words")
	batch := flag.Int("batch", 200, "Records per page")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"})
	logger := logging.WithComponent("cleanup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, pool, closeDB, err := app.OpenStore(ctx, *databaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeDB()

	opts := cleanup.Options{
		Apply: *apply,
		Filter: store.Filter{
			ProducerID: *producerID,
			ChannelID:  *channelID,
			Limit:      *batch,
		},
		Collapse: transcript.CollapseOptions{
			MaxWindow:      *window,
			SegmentSpacing: transcript.DefaultCollapseOptions().SegmentSpacing,
		},
	}
	if pool != nil {
		opts.EventLog = eventlog.New(pool)
	}

	// Per-record log lines would interleave with the JSON report.
	runLog := log.Logger
	if *asJSON {
		runLog = runLog.Level(zerolog.WarnLevel)
	}
	sum, err := cleanup.Run(ctx, s, opts, runLog)
	if err != nil {
		logger.Error().Err(err).Msg("cleanup stopped early")
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(sum)
	} else {
		printReport(sum)
	}
	if err != nil {
		closeDB()
		os.Exit(1)
	}
}

func printReport(sum cleanup.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tPRODUCER\tBEFORE\tAFTER\tSAVED")
	for _, ch := range sum.Changes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", ch.ID, ch.SessionID, ch.ProducerID, ch.BytesBefore, ch.BytesAfter, ch.Saved())
	}
	w.Flush()

	mode := "dry run, nothing written"
	if sum.Applied {
		mode = "applied"
	}
	fmt.Printf("\nscanned %d, changed %d, %d bytes saved (%s)\n", sum.Scanned, sum.Changed, sum.BytesSaved, mode)
}
