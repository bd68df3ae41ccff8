package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cwbudde/nodefinder/internal/batch"
	"github.com/cwbudde/nodefinder/internal/coords"
	"github.com/cwbudde/nodefinder/internal/objective"
	"github.com/cwbudde/nodefinder/internal/observe"
	"github.com/cwbudde/nodefinder/internal/opt"
	"github.com/cwbudde/nodefinder/internal/result"
	"github.com/cwbudde/nodefinder/internal/search"
	"github.com/cwbudde/nodefinder/internal/server"
	"github.com/cwbudde/nodefinder/internal/store"
)

// runOptions holds the flags of the run command. Search flags override the
// values of the config file only when given explicitly.
type runOptions struct {
	configPath string

	limits         []float64
	periodic       bool
	meshSize       []int
	forceMesh      bool
	stencilPath    string
	refinementMesh []int
	refinementBox  float64
	gap            float64
	feature        float64
	fakePotential  bool
	parallel       int
	saveFile       string
	saveDelay      time.Duration
	load           bool
	loadQuiet      bool
	maxIter        int
	maxFev         int

	objective     string
	roots         []string
	url           string
	remoteTimeout time.Duration
	batched       bool
	batchMin      int
	batchMax      int
	batchTimeout  time.Duration

	listen    string
	wait      bool
	traceFile string
}

var runCmd, _ = newRunCmd()

func init() {
	rootCmd.AddCommand(runCmd)
}

func newRunCmd() (*cobra.Command, *runOptions) {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a root search",
		Long: `Runs a root search and prints the distinct roots found.

Search options are read from --config and overridden by explicitly given
flags. With --save-file the search is checkpointed periodically and can be
resumed with --load. With --listen the progress is served over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, o)
		},
	}

	def := search.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")

	f.Float64SliceVar(&o.limits, "limits", flattenLimits(def.Limits), "Domain bounds as lower,upper pairs per dimension")
	f.BoolVar(&o.periodic, "periodic", def.Periodic, "Treat the domain as periodic")
	f.IntSliceVar(&o.meshSize, "mesh", def.InitialMeshSize, "Initial mesh size, once or per dimension")
	f.BoolVar(&o.forceMesh, "force-mesh", def.ForceInitialMesh, "Add the initial mesh also when resuming")
	f.StringVar(&o.stencilPath, "stencil", "", "YAML file with the refinement stencil")
	f.IntSliceVar(&o.refinementMesh, "refinement-mesh", def.RefinementMeshSize, "Refinement mesh size, 0 disables refinement")
	f.Float64Var(&o.refinementBox, "refinement-box", def.RefinementBoxSize, "Refinement box size in units of the distance cutoff")
	f.Float64Var(&o.gap, "gap", def.GapThreshold, "Largest objective value accepted as a root")
	f.Float64Var(&o.feature, "feature-size", def.FeatureSize, "Separation below which two roots are the same")
	f.BoolVar(&o.fakePotential, "fake-potential", def.UseFakePotential, "Repel minimizations from known roots")
	f.IntVarP(&o.parallel, "parallel", "p", def.NumMinimizeParallel, "Number of concurrent minimizations")
	f.StringVar(&o.saveFile, "save-file", def.SaveFile, "Checkpoint file")
	f.DurationVar(&o.saveDelay, "save-delay", def.SaveDelay, "Interval between checkpoints")
	f.BoolVar(&o.load, "load", def.Load, "Resume from the checkpoint file")
	f.BoolVar(&o.loadQuiet, "load-quiet", def.LoadQuiet, "Start a fresh search if the checkpoint file is missing")
	f.IntVar(&o.maxIter, "max-iter", def.NelderMead.MaxIter, "Nelder-Mead iteration limit (0 = default)")
	f.IntVar(&o.maxFev, "max-fev", def.NelderMead.MaxFev, "Nelder-Mead evaluation limit (0 = default)")

	f.StringVar(&o.objective, "objective", "points", "Objective: points or remote")
	f.StringArrayVar(&o.roots, "root", nil, "Root of the points objective as comma separated coordinates (repeatable)")
	f.StringVar(&o.url, "url", "", "Endpoint of the remote objective")
	f.DurationVar(&o.remoteTimeout, "remote-timeout", time.Minute, "Timeout of a remote batch request")
	f.BoolVar(&o.batched, "batch", false, "Evaluate the points objective in batches")
	bd := batch.DefaultOptions()
	f.IntVar(&o.batchMin, "batch-min", bd.MinBatchSize, "Pending evaluations that trigger a batch")
	f.IntVar(&o.batchMax, "batch-max", bd.MaxBatchSize, "Largest batch")
	f.DurationVar(&o.batchTimeout, "batch-timeout", bd.Timeout, "Time after which a smaller batch is evaluated")

	f.StringVar(&o.listen, "listen", "", "Serve status, events and metrics on this address")
	f.BoolVar(&o.wait, "wait", false, "Keep serving after the search ended until interrupted")
	f.StringVar(&o.traceFile, "trace-file", "", "Append every search event to this JSONL file")

	return cmd, o
}

func runSearch(cmd *cobra.Command, o *runOptions) error {
	cfg, err := buildConfig(cmd, o)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obj, stopObjective, err := buildObjective(ctx, cfg, o)
	if err != nil {
		return err
	}
	defer stopObjective()

	sinks := []observe.Sink{observe.NewLogSink(logger)}

	if o.traceFile != "" {
		tw, err := store.NewTraceWriter(o.traceFile, cfg.Load)
		if err != nil {
			return err
		}
		defer tw.Close()
		sinks = append(sinks, observe.NewTraceSink(tw))
	}

	var srv *server.Server
	if o.listen != "" {
		reg := prometheus.NewRegistry()
		metrics, err := observe.NewMetricsSink(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		runs := server.NewRunManager()
		sinks = append(sinks, metrics, runs)

		srv = server.NewServer(o.listen, runs, reg)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("HTTP server shutdown failed", "error", err)
			}
		}()
	}

	ctrl, err := search.New(obj, cfg, search.WithSink(observe.Multi(sinks...)))
	if err != nil {
		return err
	}

	res, err := ctrl.Run(ctx)
	if err != nil {
		return fmt.Errorf("search %s failed: %w", ctrl.RunID(), err)
	}
	printRoots(cmd.OutOrStdout(), res, cfg.FeatureSize)

	if srv != nil && o.wait {
		slog.Info("Search finished, serving until interrupted", "addr", o.listen)
		<-ctx.Done()
	}
	return nil
}

// buildConfig layers explicitly given flags over the config file, which is
// layered over the defaults.
func buildConfig(cmd *cobra.Command, o *runOptions) (search.Config, error) {
	cfg := search.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = search.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}

	f := cmd.Flags()
	if f.Changed("limits") {
		limits, err := parseLimits(o.limits)
		if err != nil {
			return cfg, err
		}
		cfg.Limits = limits
	}
	if f.Changed("periodic") {
		cfg.Periodic = o.periodic
	}
	if f.Changed("mesh") {
		cfg.InitialMeshSize = o.meshSize
	}
	if f.Changed("force-mesh") {
		cfg.ForceInitialMesh = o.forceMesh
	}
	if o.stencilPath != "" {
		stencil, err := search.LoadStencil(o.stencilPath)
		if err != nil {
			return cfg, err
		}
		cfg.RefinementStencil = stencil
	}
	if f.Changed("refinement-mesh") {
		cfg.RefinementMeshSize = o.refinementMesh
	}
	if f.Changed("refinement-box") {
		cfg.RefinementBoxSize = o.refinementBox
	}
	if f.Changed("gap") {
		cfg.GapThreshold = o.gap
	}
	if f.Changed("feature-size") {
		cfg.FeatureSize = o.feature
	}
	if f.Changed("fake-potential") {
		cfg.UseFakePotential = o.fakePotential
	}
	if f.Changed("parallel") {
		cfg.NumMinimizeParallel = o.parallel
	}
	if f.Changed("save-file") {
		cfg.SaveFile = o.saveFile
	}
	if f.Changed("save-delay") {
		cfg.SaveDelay = o.saveDelay
	}
	if f.Changed("load") {
		cfg.Load = o.load
	}
	if f.Changed("load-quiet") {
		cfg.LoadQuiet = o.loadQuiet
	}
	if f.Changed("max-iter") {
		cfg.NelderMead.MaxIter = o.maxIter
	}
	if f.Changed("max-fev") {
		cfg.NelderMead.MaxFev = o.maxFev
	}
	return cfg, nil
}

// buildObjective creates the objective selected by the flags. The returned
// stop function ends a batcher started for it.
func buildObjective(ctx context.Context, cfg search.Config, o *runOptions) (opt.Objective, func(), error) {
	noop := func() {}

	var fn batch.BatchFunc
	switch o.objective {
	case "points":
		cs, err := coords.New(cfg.Limits, cfg.Periodic)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid limits: %w", err)
		}
		roots, err := parseRoots(o.roots)
		if err != nil {
			return nil, noop, err
		}
		if !o.batched {
			obj, err := objective.Points(cs, roots)
			return obj, noop, err
		}
		if fn, err = objective.PointsBatch(cs, roots); err != nil {
			return nil, noop, err
		}
	case "remote":
		if o.url == "" {
			return nil, noop, fmt.Errorf("--url is required for the remote objective")
		}
		fn = objective.NewRemote(o.url, o.remoteTimeout).Evaluate
	default:
		return nil, noop, fmt.Errorf("unknown objective %q (expected points or remote)", o.objective)
	}

	b, err := batch.New(fn, batch.Options{
		MinBatchSize: o.batchMin,
		MaxBatchSize: o.batchMax,
		Timeout:      o.batchTimeout,
	})
	if err != nil {
		return nil, noop, err
	}

	batchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(batchCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Batcher stopped", "error", err)
		}
	}()
	return b.Objective(), func() { cancel(); <-done }, nil
}

// parseLimits turns a flat lower,upper list into per-dimension bounds.
func parseLimits(flat []float64) ([][2]float64, error) {
	if len(flat) == 0 || len(flat)%2 != 0 {
		return nil, fmt.Errorf("limits need a lower and an upper bound per dimension, got %d values", len(flat))
	}
	limits := make([][2]float64, len(flat)/2)
	for i := range limits {
		limits[i] = [2]float64{flat[2*i], flat[2*i+1]}
	}
	return limits, nil
}

func flattenLimits(limits [][2]float64) []float64 {
	flat := make([]float64, 0, 2*len(limits))
	for _, l := range limits {
		flat = append(flat, l[0], l[1])
	}
	return flat
}

// parseRoots parses positions given as comma separated coordinates.
func parseRoots(values []string) ([][]float64, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("the points objective needs at least one --root")
	}
	roots := make([][]float64, len(values))
	for i, v := range values {
		fields := strings.Split(v, ",")
		roots[i] = make([]float64, len(fields))
		for j, field := range fields {
			x, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid root %q: %w", v, err)
			}
			roots[i][j] = x
		}
	}
	return roots, nil
}

// printRoots writes one line per distinct root, best first.
func printRoots(w io.Writer, res *result.Store, featureSize float64) {
	reps := res.Representatives(featureSize)
	fmt.Fprintf(w, "Found %d distinct root(s) from %d node(s), %d minimization(s) rejected\n",
		len(reps), res.NumNodes(), res.NumRejected())
	if len(reps) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tVALUE\tPOSITION")
	for i, r := range reps {
		parts := make([]string, len(r.Pos))
		for j, x := range r.Pos {
			parts[j] = strconv.FormatFloat(x, 'f', 6, 64)
		}
		fmt.Fprintf(tw, "%d\t%.3e\t%s\n", i+1, r.Value, strings.Join(parts, ", "))
	}
	tw.Flush()
}
