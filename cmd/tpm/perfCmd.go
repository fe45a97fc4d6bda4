package tpm

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tcsrpc/cmd/util"
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for TCS daemons",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfLargeRandomKB = 16
	perfNumThreads    = 10
	perfSkip          = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. random,extend)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-random-size"
	perfTestCmd.Flags().Int(key, 16, util.WrapString("How many random bytes the random-large test requests (in KB)"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeRandomKB = viper.GetInt("large-random-size")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for TCS daemons")

	// Print configuration
	config := util.GetClientConfig()
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)
	benchmarks := []struct {
		name string
		// shared runs every goroutine on the context of the command, otherwise each
		// goroutine opens its own
		shared bool
		op     func(h common.ContextHandle, counter int) error
	}{
		{
			name: "random",
			op: func(h common.ContextHandle, _ int) error {
				_, err := tcs.GetRandom(h, 20)
				return err
			},
		},
		{
			name: "random-large",
			op: func(h common.ContextHandle, _ int) error {
				_, err := tcs.GetRandom(h, uint32(perfLargeRandomKB*1024))
				return err
			},
		},
		{
			name:   "random-shared",
			shared: true,
			op: func(h common.ContextHandle, _ int) error {
				_, err := tcs.GetRandom(h, 20)
				return err
			},
		},
		{
			name: "pcrread",
			op: func(h common.ContextHandle, counter int) error {
				_, err := tcs.PcrRead(h, uint32(counter%24))
				return err
			},
		},
		{
			name: "extend",
			op: func(h common.ContextHandle, counter int) error {
				// the debug register, 16
				_, err := tcs.Extend(h, 16, common.Digest{byte(counter)})
				return err
			},
		},
	}

	for _, bm := range benchmarks {
		var (
			mu        sync.Mutex
			latencies []time.Duration
		)

		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}

			// testing.Benchmark runs the function repeatedly, only the last run counts
			mu.Lock()
			latencies = latencies[:0]
			mu.Unlock()

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				h := ctx
				if !bm.shared {
					h = reg.NextHandle()
					if _, _, err := tcs.OpenContext(h, config.Hostname); err != nil {
						log.Printf("(%s) - error opening context: %v\n", bm.name, err)
						return
					}
					defer func() {
						if err := tcs.CloseContext(h); err != nil {
							log.Printf("(%s) - error closing context: %v\n", bm.name, err)
						}
					}()
				}

				counter := 0
				start := time.Now()
				for pb.Next() {
					if err := bm.op(h, counter); err != nil {
						log.Printf("(%s) - error: %v\n", bm.name, err)
					}
					counter++
				}
				if counter > 0 {
					mu.Lock()
					latencies = append(latencies, time.Since(start)/time.Duration(counter))
					mu.Unlock()
				}
			})
		})

		results[bm.name] = result
		printResult(bm.name, result)
		if len(latencies) > 0 {
			fmt.Printf("%-20s%s\n", "", util.NewLatencyStats(latencies))
		}
	}

	fmt.Println()
	fmt.Println("Connection registry:")
	reg.WriteStats(os.Stdout)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
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
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Hostname", "Port", "TimeoutSec", "Transport",
		"Threads", "LargeRandomSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Hostname,
			strconv.Itoa(config.ResolvedPort()),
			strconv.Itoa(config.TimeoutSecond),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeRandomKB),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
