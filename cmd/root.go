// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/agisw/deepep/ep"
	"github.com/agisw/deepep/ep/workload"
)

var (
	numRanks     int
	localExperts int
	hidden       int
	numTopk      int
	slotCapacity int
	numTokens    int
	ranksPerNode int
	pureEP       bool
	useFP8       bool
	useUE8M0     bool
	iterations   int
	seed         int64
	logLevel     string
	workloadFile string
	workloadType string
)

var rootCmd = &cobra.Command{
	Use:   "deepep",
	Short: "Expert-parallel dispatch/combine collectives",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one dispatch+combine iteration over an in-process fabric",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		fab, spec := buildFabric()
		logrus.Infof("Starting exchange with %d ranks, %d experts, hidden=%d, topk=%d",
			numRanks, numRanks*localExperts, hidden, numTopk)
		if _, err := runIteration(fab, spec); err != nil {
			logrus.Fatalf("Exchange failed: %v", err)
		}
		for r := 0; r < fab.NumRanks(); r++ {
			fab.Device(r).Metrics.Print(r)
		}
		logrus.Info("Exchange complete.")
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run repeated iterations and report latency percentiles",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		fab, spec := buildFabric()
		lats := make([]float64, 0, iterations)
		for i := 0; i < iterations; i++ {
			lat, err := runIteration(fab, spec)
			if err != nil {
				logrus.Fatalf("Iteration %d failed: %v", i, err)
			}
			lats = append(lats, lat.Seconds()*1e3)
		}
		sort.Float64s(lats)
		fmt.Println("=== Bench Results ===")
		fmt.Printf("Iterations : %d\n", iterations)
		fmt.Printf("Mean ms    : %.3f\n", stat.Mean(lats, nil))
		fmt.Printf("P50 ms     : %.3f\n", stat.Quantile(0.50, stat.Empirical, lats, nil))
		fmt.Printf("P90 ms     : %.3f\n", stat.Quantile(0.90, stat.Empirical, lats, nil))
		fmt.Printf("P99 ms     : %.3f\n", stat.Quantile(0.99, stat.Empirical, lats, nil))
	},
}

func buildFabric() (*ep.Fabric, workload.Spec) {
	cfg := ep.Config{
		NumRanks:        numRanks,
		NumExperts:      numRanks * localExperts,
		NumLocalExperts: localExperts,
		Hidden:          hidden,
		NumTopk:         numTopk,
		SlotCapacity:    slotCapacity,
		MaxTokens:       numTokens,
		PureEP:          pureEP,
		UseFP8:          useFP8,
		UseUE8M0:        useUE8M0,
		RanksPerNode:    ranksPerNode,
	}
	fab, err := ep.NewFabric(cfg)
	if err != nil {
		logrus.Fatalf("Invalid fabric config: %v", err)
	}
	spec := workload.Spec{
		NumTokens:  numTokens,
		Hidden:     hidden,
		NumTopk:    numTopk,
		NumExperts: cfg.NumExperts,
		Seed:       seed,
	}
	if workloadFile != "" {
		if preset := GetWorkloadSpec(workloadFile, workloadType, cfg.NumExperts, hidden, numTopk, seed); preset != nil {
			spec = *preset
		}
	}
	return fab, spec
}

// runIteration drives one dispatch+combine+clean cycle on every rank
// and returns the wall-clock latency of the exchange.
func runIteration(fab *ep.Fabric, spec workload.Spec) (time.Duration, error) {
	batches := make([]*workload.Batch, fab.NumRanks())
	for r := range batches {
		var b *workload.Batch
		var err error
		if pureEP {
			b, err = spec.Generate()
		} else {
			b, err = spec.GenerateShard(r, fab.NumRanks())
		}
		if err != nil {
			return 0, err
		}
		batches[r] = b
	}
	start := time.Now()
	err := fab.ForEachRank(func(d *ep.Device) error {
		b := batches[d.Rank()]
		if err := d.Dispatch(ep.DispatchArgs{
			X: b.X, TopkIdx: b.TopkIdx, NumTokens: b.NumTokens,
			Phases: ep.PhaseSend | ep.PhaseRecv,
		}); err != nil {
			return err
		}
		// echo combine: experts return their received tokens unchanged
		if err := d.Combine(ep.CombineArgs{
			X: expertEcho(d), TopkIdx: b.TopkIdx, TopkWeights: b.TopkWeights,
			NumTokens: b.NumTokens, Phases: ep.PhaseSend | ep.PhaseRecv,
		}); err != nil {
			return err
		}
		return d.CleanLowLatencyBuffer(d.DefaultCleanArgs())
	})
	return time.Since(start), err
}

// expertEcho builds identity expert outputs from the packed receive
// buffer, standing in for the expert MLP.
func expertEcho(d *ep.Device) []uint16 {
	out := d.CombineSendBuffer()
	dec := d.DecodePackedRecv()
	copy(out, dec)
	return out
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	for _, c := range []*cobra.Command{runCmd, benchCmd} {
		c.Flags().IntVar(&numRanks, "ranks", 4, "Number of ranks in the fabric")
		c.Flags().IntVar(&localExperts, "local-experts", 2, "Experts owned by each rank")
		c.Flags().IntVar(&hidden, "hidden", 1024, "Hidden size (power-of-2 multiple of 128)")
		c.Flags().IntVar(&numTopk, "topk", 2, "Top-k experts per token")
		c.Flags().IntVar(&slotCapacity, "capacity", 128, "Per (expert, source-rank) slot capacity")
		c.Flags().IntVar(&numTokens, "tokens", 64, "Tokens per rank")
		c.Flags().IntVar(&ranksPerNode, "ranks-per-node", 0, "Ranks per node for P2P mapping (0 = all)")
		c.Flags().BoolVar(&pureEP, "pure-ep", false, "Replicated-batch Pure-EP mode")
		c.Flags().BoolVar(&useFP8, "fp8", false, "FP8 E4M3 dispatch payloads")
		c.Flags().BoolVar(&useUE8M0, "ue8m0", false, "Pack FP8 scales as UE8M0")
		c.Flags().Int64Var(&seed, "seed", 42, "Workload seed")
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
		c.Flags().StringVar(&workloadFile, "workload-file", "", "YAML workload preset file")
		c.Flags().StringVar(&workloadType, "workload", "default", "Workload preset name")
	}
	benchCmd.Flags().IntVar(&iterations, "iterations", 100, "Bench iterations")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(benchCmd)
}
