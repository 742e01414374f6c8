// Package main is the kizami CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hyperjump/kizami/internal/cli"
	"github.com/hyperjump/kizami/internal/config"
	"github.com/hyperjump/kizami/internal/indexer"
	"github.com/hyperjump/kizami/internal/reconcile"
	"github.com/hyperjump/kizami/internal/server"
	"github.com/hyperjump/kizami/internal/storage"
	"github.com/hyperjump/kizami/internal/watcher"
	"github.com/hyperjump/kizami/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kizami/config.yaml"

// loadConfig loads config from path. When path is the default and config.yaml exists in the
// current directory, that file is used instead so the tool runs from a project checkout.
// It returns the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}
	command := os.Args[1]
	var err error
	switch command {
	case "run":
		err = runPipeline(os.Args[2:])
	case "serve", "server":
		err = runServe(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "repair":
		err = runRepair(os.Args[2:])
	case "retry":
		err = runRetry(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("kizami version %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage(os.Stdout)
		os.Exit(1)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with a status code and no message; the report already said why.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// commonFlags are shared by every pipeline command.
type commonFlags struct {
	configPath string
	debug      bool
	format     string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", defaultConfigPath, "config file path")
	fs.BoolVar(&cf.debug, "debug", false, "enable debug logging")
	fs.StringVar(&cf.format, "format", string(cli.OutputText), "output format: text or json")
	return fs, cf
}

func (cf *commonFlags) outputFormat() (cli.OutputFormat, error) {
	switch f := cli.OutputFormat(cf.format); f {
	case cli.OutputText, cli.OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text or json)", cf.format)
	}
}

// setup loads the config, creates the logger and wires the components.
func (cf *commonFlags) setup() (*Components, *zap.Logger, error) {
	cfg, resolved, err := loadConfig(cf.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || cf.debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	c, err := initializeComponents(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return c, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPipeline(args []string) error {
	fs, cf := newFlagSet("run")
	dataset := fs.String("dataset", "", "run only this dataset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cf.outputFormat()
	if err != nil {
		return err
	}
	c, logger, err := cf.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	ctx, stop := signalContext()
	defer stop()
	var reports []*indexer.RunReport
	if *dataset != "" {
		rep, runErr := c.Runner.RunDataset(ctx, *dataset)
		if rep != nil {
			reports = append(reports, rep)
		}
		err = runErr
	} else {
		reports, err = c.Runner.RunAll(ctx)
	}
	if werr := cli.WriteRunReports(os.Stdout, reports, format); werr != nil {
		return werr
	}
	return err
}

func runStatus(args []string) error {
	fs, cf := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cf.outputFormat()
	if err != nil {
		return err
	}
	c, logger, err := cf.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	st, err := collectStatus(context.Background(), c)
	if err != nil {
		return err
	}
	return cli.WriteStatus(os.Stdout, st, format)
}

func collectStatus(ctx context.Context, c *Components) (*cli.Status, error) {
	st := &cli.Status{Manifest: c.Manifest.Summary(), Stores: make(map[string]int)}
	for name, counter := range c.Stores() {
		n, err := counter.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		st.Stores[name] = n
	}
	cps, err := c.Checkpoints.List()
	if err != nil {
		return nil, err
	}
	st.Checkpoints = len(cps)
	cfg := c.Config
	st.DiskUsageBytes, err = storage.DiskUsageBytes(
		cfg.Storage.DatabasePath,
		cfg.Storage.VectorIndexPath,
		cfg.Storage.BleveIndexPath,
		cfg.Storage.CheckpointDir,
		cfg.Manifest.Path,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func runValidate(args []string) error {
	fs, cf := newFlagSet("validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cf.outputFormat()
	if err != nil {
		return err
	}
	c, logger, err := cf.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	reports := make([]*reconcile.Report, 0, len(c.Reconcilers))
	for _, rc := range c.Reconcilers {
		rep, err := rc.Validate(context.Background())
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}
	ok, err := cli.WriteValidation(os.Stdout, reports, format)
	if err != nil {
		return err
	}
	if !ok {
		return exitError(2)
	}
	return nil
}

func runRepair(args []string) error {
	fs, cf := newFlagSet("repair")
	dryRun := fs.Bool("dry-run", false, "report what would be repaired without changing anything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cf.outputFormat()
	if err != nil {
		return err
	}
	c, logger, err := cf.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	results := make([]*reconcile.RepairResult, 0, len(c.Reconcilers))
	for _, rc := range c.Reconcilers {
		res, err := rc.Repair(context.Background(), *dryRun)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	return cli.WriteRepair(os.Stdout, results, format)
}

func runRetry(args []string) error {
	fs, cf := newFlagSet("retry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: kizami retry [flags] <document-id>...")
	}
	format, err := cf.outputFormat()
	if err != nil {
		return err
	}
	c, logger, err := cf.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	ctx, stop := signalContext()
	defer stop()
	var failed bool
	for _, id := range fs.Args() {
		res, err := c.Runner.RetryDocument(ctx, id)
		if err != nil {
			failed = true
			if res.DocumentID == "" {
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
				continue
			}
			res.Error = err.Error()
		}
		if err := cli.WriteResult(os.Stdout, res, format); err != nil {
			return err
		}
	}
	if failed {
		return exitError(1)
	}
	return nil
}

// watchRoots returns the watcher roots of the datasets selected by the watch config. An
// empty selection watches every dataset.
func watchRoots(cfg *config.Config) ([]watcher.Root, error) {
	names := cfg.Watch.Datasets
	if len(names) == 0 {
		for _, d := range cfg.Datasets {
			names = append(names, d.Name)
		}
	}
	roots := make([]watcher.Root, 0, len(names))
	for _, name := range names {
		d, ok := cfg.Dataset(name)
		if !ok {
			return nil, fmt.Errorf("watch: %w: %s", indexer.ErrUnknownDataset, name)
		}
		roots = append(roots, watcher.Root{
			Dataset:    d.Name,
			Path:       d.Root,
			Extensions: d.Extensions,
			Recursive:  d.RecursiveOrDefault(),
		})
	}
	return roots, nil
}

// watchHandler feeds watcher events into the runner.
func watchHandler(ctx context.Context, runner *indexer.Runner, logger *zap.Logger) watcher.Handler {
	return func(ev watcher.Event) {
		if ev.Removed {
			if err := runner.RemoveFile(ctx, ev.Dataset, ev.Path); err != nil {
				logger.Warn("watch remove failed", zap.String("path", ev.Path), zap.Error(err))
			}
			return
		}
		res, err := runner.ProcessFile(ctx, ev.Dataset, ev.Path)
		if err != nil {
			logger.Warn("watch process failed", zap.String("path", ev.Path), zap.Error(err))
			return
		}
		logger.Debug("watch processed file", zap.String("path", ev.Path), zap.String("outcome", string(res.Outcome)))
	}
}

func runServe(args []string) error {
	fs, cf := newFlagSet("serve")
	watch := fs.Bool("watch", false, "watch dataset roots and process changes as they happen")
	initial := fs.Bool("run", false, "run every dataset once before serving")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, logger, err := cf.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer c.Close()

	ctx, stop := signalContext()
	defer stop()

	if *initial {
		if _, err := c.Runner.RunAll(ctx); err != nil {
			logger.Error("initial run failed", zap.Error(err))
		}
	}

	var watchSvc server.WatchService
	if *watch || c.Config.Watch.Enabled {
		roots, err := watchRoots(c.Config)
		if err != nil {
			return err
		}
		w := watcher.New(roots, watchHandler(ctx, c.Runner, logger),
			watcher.WithLogger(logger),
			watcher.WithDebounce(time.Duration(c.Config.Watch.DebounceMS)*time.Millisecond),
		)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer w.Stop()
		w.SyncExisting()
		watchSvc = w
	}

	srv := server.NewServer(server.Deps{
		Config:      c.Config,
		Manifest:    c.Manifest,
		Runner:      c.Runner,
		Reconcilers: c.Reconcilers,
		Stores:      c.Stores(),
		Chunks:      c.Vectors,
		Keyword:     c.Keyword,
		Watch:       watchSvc,
	}, logger)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `kizami - resumable document ingestion pipeline

Usage:
  kizami run [flags]                 Process every dataset (or -dataset name) once
  kizami serve [flags]               Start the HTTP API (-watch to follow file changes)
  kizami status [flags]              Show manifest, store and checkpoint inventory
  kizami validate [flags]            Compare the manifest with the downstream stores
  kizami repair [flags]              Delete ghost documents and re-queue missing ones
  kizami retry [flags] <doc-id>...   Clear failed stages and process documents again
  kizami version                     Show version
  kizami help                        Show this help

Common flags:
  -config string   config file path (default "`+defaultConfigPath+`")
  -debug           enable debug logging
  -format string   output format: text or json (default "text")`)
}
