package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/viper"

	"github.com/tesseradb/tessera-engine/tessera"
	"github.com/tesseradb/tessera-engine/tessera/executor"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"github.com/tesseradb/tessera-engine/tessera/segment"
	"github.com/tesseradb/tessera-engine/tessera/trace"
)

func main() {
	var dataPath string
	var configFile string
	var tableName string
	var fromMs, toMs int64
	var limit int
	var timeoutMs int64
	var seed bool
	var showPlan bool
	var verbose bool

	flag.StringVar(&dataPath, "data", "tessera.db", "segment store path")
	flag.StringVar(&configFile, "config", "", "executor config file (yaml)")
	flag.StringVar(&tableName, "table", "orders", "table to query")
	flag.Int64Var(&fromMs, "from", 0, "start of query time range (epoch ms, 0 = unbounded)")
	flag.Int64Var(&toMs, "to", 0, "end of query time range (epoch ms, 0 = unbounded)")
	flag.IntVar(&limit, "limit", 0, "max result rows (0 = unlimited)")
	flag.Int64Var(&timeoutMs, "timeout", 0, "query timeout in ms (0 = configured default)")
	flag.BoolVar(&seed, "seed", false, "seed the store with a demo table before querying")
	flag.BoolVar(&showPlan, "plan", false, "print the query plan")
	flag.BoolVar(&verbose, "verbose", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs one query against a local segment store.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -seed                      # Seed demo data and query it\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -table orders -from 1000   # Query with a time range\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -plan -verbose             # Show the plan and debug logs\n", os.Args[0])
	}
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	store, err := segment.OpenBadgerStore(dataPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open segment store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if seed {
		if err := seedDemoTable(store, tableName); err != nil {
			level.Error(logger).Log("msg", "failed to seed demo table", "err", err)
			os.Exit(1)
		}
	}

	dataManager := segment.NewInstanceDataManager(logger)
	tables, err := store.Tables()
	if err != nil {
		level.Error(logger).Log("msg", "failed to list tables", "err", err)
		os.Exit(1)
	}
	for _, table := range tables {
		segments, err := store.LoadTable(table)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load table", "table", table, "err", err)
			os.Exit(1)
		}
		for _, seg := range segments {
			dataManager.RegisterSegment(table, seg)
		}
		level.Info(logger).Log("msg", "table loaded", "table", table, "segments", len(segments))
	}

	cfg := executor.DefaultConfig()
	if configFile != "" {
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			level.Error(logger).Log("msg", "failed to read config", "file", configFile, "err", err)
			os.Exit(1)
		}
		cfg = executor.ConfigFromViper(v)
	}
	if timeoutMs > 0 {
		cfg.TimeoutMs = timeoutMs
	}
	cfg.PrintQueryPlan = cfg.PrintQueryPlan || showPlan

	exec := executor.NewServerQueryExecutor(logger)
	if err := exec.Init(cfg, dataManager, nil); err != nil {
		level.Error(logger).Log("msg", "failed to init query executor", "err", err)
		os.Exit(1)
	}
	exec.Start()
	defer exec.Shutdown()

	pool, err := ants.NewPool(runtime.NumCPU())
	if err != nil {
		level.Error(logger).Log("msg", "failed to create worker pool", "err", err)
		os.Exit(1)
	}
	defer pool.Release()

	tableManager := dataManager.TableDataManager(tableName)
	if tableManager == nil {
		level.Error(logger).Log("msg", "unknown table", "table", tableName)
		os.Exit(1)
	}

	req := &query.Request{
		RequestID:  time.Now().UnixNano(),
		TableName:  tableName,
		SegmentIDs: tableManager.SegmentNames(),
		Limit:      limit,
		Timer:      trace.NewTimerContext(),
	}
	if fromMs != 0 || toMs != 0 {
		end := toMs
		if end == 0 {
			end = time.Now().UnixMilli()
		}
		req.TimeRange = &tessera.TimeRange{StartMs: fromMs, EndMs: end}
	}

	result := exec.ProcessQuery(req, pool)
	tessera.PrintDataTable(result)
	printSummary(result)
}

func printSummary(dt *tessera.DataTable) {
	md := dt.Metadata()
	fmt.Printf("%s %s ms  %s %s  %s %s\n",
		color.BlueString("time:"), md[tessera.TimeUsedMsMetadataKey],
		color.BlueString("request:"), md[tessera.RequestIDMetadataKey],
		color.BlueString("totalDocs:"), md[tessera.TotalDocsMetadataKey])
	if info := md[tessera.TraceInfoMetadataKey]; info != "" {
		fmt.Printf("%s %s\n", color.BlueString("trace:"), info)
	}
	for _, qe := range dt.Exceptions() {
		fmt.Printf("%s %s\n", color.RedString("error:"), qe.Error())
	}
}

// seedDemoTable writes three small segments so the demo has something to
// query: two recent ones and one far in the past for pruning to remove.
func seedDemoTable(store *segment.BadgerStore, table string) error {
	base := time.Now().Add(-1 * time.Hour).UnixMilli()
	columns := []string{"ts", "region", "amount"}

	recent1, err := segment.BuildSegment("seg-recent-1", columns, "ts", [][]interface{}{
		{base + 60_000, "us-east", int64(120)},
		{base + 120_000, "us-west", int64(75)},
		{base + 180_000, "us-east", int64(50)},
	})
	if err != nil {
		return err
	}
	recent2, err := segment.BuildSegment("seg-recent-2", columns, "ts", [][]interface{}{
		{base + 240_000, "eu-west", int64(310)},
		{base + 300_000, "us-east", int64(95)},
	})
	if err != nil {
		return err
	}
	old, err := segment.BuildSegment("seg-old", columns, "ts", [][]interface{}{
		{int64(1_000), "us-east", int64(999)},
		{int64(2_000), "us-west", int64(888)},
	})
	if err != nil {
		return err
	}

	for _, seg := range []segment.Segment{recent1, recent2, old} {
		if err := store.SaveSegment(table, seg); err != nil {
			return err
		}
	}
	return nil
}
