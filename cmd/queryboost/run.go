package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go"
	"github.com/queryboost/queryboost-go/config"
	"github.com/queryboost/queryboost-go/destination/local"
	"github.com/queryboost/queryboost-go/destination/s3"
	"github.com/queryboost/queryboost-go/destination/sqlite"
	"github.com/queryboost/queryboost-go/logging"
	"github.com/queryboost/queryboost-go/row"
	"github.com/queryboost/queryboost-go/sink"
	"github.com/queryboost/queryboost-go/telemetry"
	"github.com/queryboost/queryboost-go/version"
	"github.com/spf13/cobra"
)

var errConflictingDestinations = errors.New("--s3-bucket and --sqlite cannot be used together")

type runOptions struct {
	*rootOptions

	input  string
	prompt string
	name   string

	outputDir   string
	s3Bucket    string
	s3Prefix    string
	sqlitePath  string
	sqliteTable string

	apiKey           string
	url              string
	batchSize        int
	targetWriteBytes int64
	rowsPerSecond    float64
	numGPUs          int
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a prompt over every row of the input",
		Long: `Run a prompt over every row of a JSONL input and save the results.

Results are written as parquet files to ~/.cache/queryboost/<name> unless
--output-dir, --s3-bucket or --sqlite name another destination.

Example:
  queryboost run --input reviews.jsonl --prompt "Classify the sentiment of {review}"
  queryboost run --input "s3::https://s3.amazonaws.com/bucket/data/*.jsonl" \
    --prompt "Summarise {text}" --s3-bucket results --s3-prefix summaries`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.input, "input", "", "JSONL input: a path, glob or go-getter URL (required)")
	f.StringVar(&opts.prompt, "prompt", "", "prompt template referencing input columns as {column} (required)")
	f.StringVar(&opts.name, "name", "", "run name, defaults to a random id")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory for parquet results")
	f.StringVar(&opts.s3Bucket, "s3-bucket", "", "save results to this S3 bucket")
	f.StringVar(&opts.s3Prefix, "s3-prefix", "", "key prefix for S3 results")
	f.StringVar(&opts.sqlitePath, "sqlite", "", "save results to this SQLite database")
	f.StringVar(&opts.sqliteTable, "sqlite-table", sqlite.DefaultTable, "SQLite table for results")
	f.StringVar(&opts.apiKey, "api-key", "", "API key, overrides QUERYBOOST_API_KEY")
	f.StringVar(&opts.url, "url", "", "service URL, overrides the config file")
	f.IntVar(&opts.batchSize, "batch-size", 0, "rows per request batch")
	f.Int64Var(&opts.targetWriteBytes, "target-write-bytes", 0, "buffered result size which triggers a write")
	f.Float64Var(&opts.rowsPerSecond, "rows-per-second", 0, "limit the rate rows are sent at")
	f.IntVar(&opts.numGPUs, "num-gpus", 0, "number of GPUs to request")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

func (o *runOptions) configOptions() []config.Option {
	return []config.Option{
		config.WithAPIKey(o.apiKey),
		config.WithURL(o.url),
		config.WithBatchSize(o.batchSize),
		config.WithTargetWriteBytes(o.targetWriteBytes),
		config.WithRowsPerSecond(o.rowsPerSecond),
	}
}

// destination returns the writer named by the flags, nil for the default local directory,
// and a function to release it once the run is over
func (o *runOptions) destination(ctx context.Context, logger hclog.Logger) (sink.Writer, func() error, error) {
	noop := func() error { return nil }
	switch {
	case o.s3Bucket != "" && o.sqlitePath != "":
		return nil, noop, errConflictingDestinations
	case o.s3Bucket != "" || o.s3Prefix != "":
		w, err := s3.New(ctx, s3.Options{Bucket: o.s3Bucket, Prefix: o.s3Prefix, Logger: logger.Named("s3")})
		if err != nil {
			return nil, noop, err
		}
		logger.Info("saving results to S3", "location", w.Location())
		return w, noop, nil
	case o.sqlitePath != "":
		w, err := sqlite.Open(o.sqlitePath, o.sqliteTable, o.name, logger.Named("sqlite"))
		if err != nil {
			return nil, noop, err
		}
		logger.Info("saving results to SQLite", "path", o.sqlitePath, "table", o.sqliteTable, "run", o.name)
		return w, w.Close, nil
	}
	return nil, noop, nil
}

func runPrompt(cmd *cobra.Command, opts *runOptions) error {
	logger := opts.logger()
	defer logging.DisplayProfileData(0)

	telemetryOpts, err := telemetry.OptionsFromEnv("queryboost", version.Version)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Init(cmd.Context(), telemetryOpts)
	if err != nil {
		logger.Warn("failed to initialise telemetry", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Debug("telemetry shutdown", "error", err)
			}
		}()
	}
	metrics, err := telemetry.NewMetrics("queryboost")
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath, opts.configOptions()...)
	if err != nil {
		return err
	}
	client, err := queryboost.NewClient(cfg, queryboost.WithLogger(logger), queryboost.WithMetrics(metrics))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tmpDir, err := os.MkdirTemp("", "queryboost-input-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	src, err := row.FromFile(ctx, opts.input, tmpDir)
	if err != nil {
		return err
	}
	defer src.Close()

	// the name is fixed here so destinations can key results by it
	if opts.name == "" {
		opts.name = uuid.New().String()
	}
	writer, closeWriter, err := opts.destination(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeWriter(); err != nil {
			logger.Error("failed to close destination", "error", err)
		}
	}()

	runOpts := queryboost.RunOptions{
		Name:      opts.name,
		Writer:    writer,
		OutputDir: opts.outputDir,
	}
	if opts.numGPUs > 0 {
		runOpts.NumGPUs = &opts.numGPUs
	}

	// the run context stays live after a signal so the results already received can be saved
	run, err := client.Start(context.WithoutCancel(ctx), src, opts.prompt, runOpts)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn("interrupted, saving the results received so far")
			run.Cancel()
		case <-run.Done():
		}
	}()

	res, err := run.Wait()
	printResult(cmd.OutOrStdout(), res, err)

	var runErr *queryboost.RunError
	if errors.As(err, &runErr) && len(runErr.Unsaved) > 0 {
		dir, dirErr := queryboost.DefaultOutputDir(filepath.Join(opts.name, "unsaved"))
		if dirErr == nil {
			dirErr = saveUnsaved(context.Background(), runErr, dir, logger)
		}
		if dirErr != nil {
			logger.Error("failed to save unwritten results locally", "error", dirErr)
			runErr.Release()
		}
	}
	return err
}

// saveUnsaved writes the results a failed run could not deliver to parquet files in dir
// it takes the results from runErr, whatever the outcome
func saveUnsaved(ctx context.Context, runErr *queryboost.RunError, dir string, logger hclog.Logger) error {
	unsaved := runErr.Unsaved
	runErr.Unsaved = nil

	w, err := local.New(dir, logger.Named("local"))
	if err != nil {
		for _, rb := range unsaved {
			rb.Release()
		}
		return err
	}
	engine := sink.NewEngine(w, sink.Config{
		Naming: func(seq int) string { return fmt.Sprintf("unsaved-%05d", seq) },
		Logger: logger.Named("sink"),
	})
	for _, rb := range unsaved {
		if err := engine.Offer(ctx, rb); err != nil {
			logger.Warn("failed to save unwritten result", "batch_idx", rb.BatchIdx, "error", err)
		}
	}
	if err := engine.Drain(ctx); err != nil {
		var writeErr *sink.SinkWriteError
		if errors.As(err, &writeErr) {
			writeErr.Release()
		}
		return err
	}
	logger.Warn("results the destination did not accept were saved locally", "dir", dir, "artifacts", len(engine.Stats().Artifacts))
	return nil
}

func printResult(w io.Writer, res *queryboost.Result, err error) {
	if res == nil {
		return
	}
	res.Summary.Render(w)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "Run %s complete: %d of %d rows saved in %d artifact(s).\n",
		res.Name, res.RowsSaved, res.RowsSent, len(res.Artifacts))
}
