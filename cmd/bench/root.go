package bench

import (
	"fmt"
	"github.com/ValentinKolb/locktree/cmd/util"
	"github.com/ValentinKolb/locktree/lib/common"
	"github.com/ValentinKolb/locktree/lib/locktree"
	"github.com/dustin/go-humanize"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"strings"
	"testing"
)

var Logger = logger.GetLogger("bench")

var (
	// BenchCmd runs an in-process workload against a lock manager
	BenchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Performance testing tool for the locktree",
		Long: `Runs lock workloads against an in-process lock manager and prints
the throughput of each one, followed by the manager status.

Workloads: read, write, range, mixed, keylock, txn`,
		RunE:    run,
		PreRunE: processBenchConfig,
	}
	benchConf = common.BenchConfig{}
)

func init() {
	util.SetupManagerFlags(BenchCmd)

	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. range,txn)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	BenchCmd.Flags().Int(key, 1000, util.WrapString("How many different keys to use for the tests"))
	key = "range-width"
	BenchCmd.Flags().Int(key, 16, util.WrapString("Number of keys covered by one lock in the range test"))
	key = "locks-per-txn"
	BenchCmd.Flags().Int(key, 4, util.WrapString("Number of locks each transaction takes in the txn test"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "prometheus"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Print the manager metrics in Prometheus text format"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchConf = common.BenchConfig{
		Threads:     max(1, viper.GetInt("threads")),
		Keys:        max(1, viper.GetInt("keys")),
		RangeWidth:  max(1, viper.GetInt("range-width")),
		LocksPerTxn: max(1, viper.GetInt("locks-per-txn")),
		CSVPath:     viper.GetString("csv"),
		Prometheus:  viper.GetBool("prometheus"),
	}
	if skip := viper.GetString("skip"); skip != "" {
		benchConf.Skip = strings.Split(skip, ",")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	mgr, conf, err := util.NewManager()
	if err != nil {
		return err
	}

	fmt.Println("Performance testing tool for the locktree")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Print(conf.String())
	fmt.Print(benchConf.String())
	fmt.Println()
	fmt.Println("starting tests...")

	w := &workload{mgr: mgr, conf: benchConf, waitMs: mgr.GetLockWaitTime()}
	results := make(map[string]testing.BenchmarkResult)
	for _, b := range w.benchmarks() {
		if shouldSkip(b.name) {
			printResult(b.name, testing.BenchmarkResult{})
			continue
		}
		res, err := b.run()
		if err != nil {
			return fmt.Errorf("benchmark %s failed: %v", b.name, err)
		}
		results[b.name] = res
		printResult(b.name, res)
	}

	fmt.Println()
	fmt.Printf("failed lock requests: %d\n", w.failed.Load())
	printStatus(mgr)
	if benchConf.Prometheus {
		fmt.Println()
		mgr.WritePrometheus(os.Stdout)
	}

	if benchConf.CSVPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", benchConf.CSVPath)
		if err := writeResultsToCSV(benchConf.CSVPath, results, conf, &benchConf); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	mgr.Destroy()
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range benchConf.Skip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printStatus prints the manager status rows, sizes in human readable form
func printStatus(mgr *locktree.Manager) {
	fmt.Println()
	fmt.Println("STATUS")
	for _, row := range mgr.GetStatus() {
		value := fmt.Sprintf("%d", row.Value)
		switch row.Name {
		case locktree.StatusSizeCurrent, locktree.StatusSizeLimit, locktree.StatusEscalationLatest:
			value = humanize.IBytes(row.Value)
		}
		fmt.Printf("  %-30s: %-12s %s\n", row.Name, value, row.Help)
	}
	fmt.Printf("  %-30s: %s\n", "wait p50", mgr.LockWaitPercentile(0.5))
	fmt.Printf("  %-30s: %s\n", "wait p99", mgr.LockWaitPercentile(0.99))
}
