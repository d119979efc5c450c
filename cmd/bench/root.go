package bench

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aspenkv/aspen/cmd/util"
	"github.com/aspenkv/aspen/lib/engine"
	"github.com/aspenkv/aspen/lib/engine/deltamain"
	engineutil "github.com/aspenkv/aspen/lib/engine/util"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark the in-process storage engine",
		Long:    "",
		RunE:    run,
		PreRunE: processBenchConfig,
	}
	benchNumThreads = 8
	benchKeySpread  = 1024
	benchValueSize  = 64
	benchSecs       = 5
	benchSkip       = make([]string, 0)

	// seed for spreading the benchmark keys over the full key space
	benchSeed = engineutil.GenerateSeed()
)

func init() {
	// add flags
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,get)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 8, util.WrapString("Number of goroutines to use for the benchmark"))
	key = "value-size"
	BenchCmd.Flags().Int(key, 64, util.WrapString("Size of the values written by the benchmark (in bytes)"))
	key = "keys"
	BenchCmd.Flags().Int(key, 1024, util.WrapString("How many different keys each goroutine uses"))
	key = "seconds"
	BenchCmd.Flags().Int(key, 5, util.WrapString("How long to run each benchmark (in seconds)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchNumThreads = viper.GetInt("threads")
	benchKeySpread = viper.GetInt("keys")
	benchValueSize = viper.GetInt("value-size")
	benchSecs = viper.GetInt("seconds")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Benchmarking tool for the aspen storage engine")

	cfg, err := util.GetEngineConfig()
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	tbl, _, err := eng.CreateTable("bench")
	if err != nil {
		return err
	}

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Page size:  %d\n", cfg.PageSize)
	fmt.Printf("Pool pages: %d\n", cfg.PoolPages)
	fmt.Printf("Threads:    %d\n", benchNumThreads)
	fmt.Printf("Keys:       %d per thread\n", benchKeySpread)
	fmt.Printf("Value size: %d bytes\n", benchValueSize)
	fmt.Println()

	fmt.Println("starting benchmarks...")

	value := make([]byte, benchValueSize)
	results := make(map[string]gometrics.Timer)

	insertOp := func(w, c int) error {
		v := eng.Commits().Begin().Commit()
		return tbl.Insert(benchKey(w, c), v, value)
	}
	getOp := func(w, c int) error {
		tbl.Get(benchKey(w, c), eng.Commits().Version())
		return nil
	}
	deleteOp := func(w, c int) error {
		v := eng.Commits().Begin().Commit()
		return tbl.Delete(benchKey(w, c), v)
	}
	mixedOp := func(w, c int) error {
		switch c % 3 {
		case 0:
			return insertOp(w, c)
		case 1:
			return getOp(w, c)
		default:
			return deleteOp(w, c)
		}
	}
	ingestOp := func(w, c int) error {
		v := eng.Commits().Begin().Commit()
		items := make([]deltamain.KV, 32)
		for i := range items {
			items[i] = deltamain.KV{
				Key:     ingestKey(w, c*len(items)+i),
				Version: v,
				Data:    value,
			}
		}
		return tbl.Ingest(items)
	}

	benches := []struct {
		name string
		op   func(w, c int) error
	}{
		{"insert", insertOp},
		{"get", getOp},
		{"delete", deleteOp},
		{"mixed", mixedOp},
		{"ingest", ingestOp},
	}

	for _, b := range benches {
		timer := gometrics.NewTimer()
		if !shouldSkip(b.name) {
			runBench(b.name, b.op, timer)
		}
		results[b.name] = timer
		printResult(b.name, timer)
	}

	sizes := tbl.ValueSizes()
	fmt.Printf("\nwritten values: %d samples\tavg %d bytes\tmedian est. %d bytes\n",
		sizes.Count(), sizes.AverageSize(), sizes.Median())

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// benchKey maps a goroutine and its loop counter onto one of the goroutine's
// keys. Hashing the pair spreads the keys over the whole key space; each
// goroutine owns its keys, so versions per key arrive in commit order.
func benchKey(w, c int) uint64 {
	return engineutil.HashString(fmt.Sprintf("w%d-k%d", w, c%benchKeySpread), benchSeed)
}

// ingestKey derives keys for the bulk-load benchmark from a separate
// namespace so they never collide with the transactional benchmarks
func ingestKey(w, c int) uint64 {
	return engineutil.HashString(fmt.Sprintf("ingest-w%d-k%d", w, c%benchKeySpread), benchSeed)
}

// runBench drives the operation from benchNumThreads goroutines for the
// configured duration, recording per-operation latency in the timer
func runBench(name string, op func(w, c int) error, timer gometrics.Timer) {
	stopAt := time.Now().Add(time.Duration(benchSecs) * time.Second)

	var wg sync.WaitGroup
	for w := 0; w < benchNumThreads; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			counter := 0
			for time.Now().Before(stopAt) {
				start := time.Now()
				if err := op(w, counter); err != nil {
					log.Printf("(%s) - error: %v\n", name, err)
					return
				}
				timer.UpdateSince(start)
				counter++
			}
		}(w)
	}
	wg.Wait()
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, timer gometrics.Timer) {
	if timer.Count() == 0 {
		fmt.Printf("%-12sskipped\n", test)
		return
	}

	opsPerSec := float64(timer.Count()) / float64(benchSecs)
	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})

	fmt.Printf("%-12s%d ops\t%.0f ops/sec\tmean %s\tp50 %s\tp95 %s\tp99 %s\n",
		test, timer.Count(), opsPerSec,
		time.Duration(timer.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]gometrics.Timer) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Count", "OpsPerSec", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "Skipped",
		"Threads", "Keys", "ValueSizeBytes", "Seconds",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, timer := range results {
		skipped := "false"
		if timer.Count() == 0 {
			skipped = "true"
		}
		ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})

		row := []string{
			test,
			strconv.FormatInt(timer.Count(), 10),
			fmt.Sprintf("%.0f", float64(timer.Count())/float64(benchSecs)),
			fmt.Sprintf("%.0f", timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			skipped,
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchKeySpread),
			strconv.Itoa(benchValueSize),
			strconv.Itoa(benchSecs),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
