// Package main implements the feedsync binary: a long-running sync service
// (serve) and one-shot sync and inspection commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/feedsync/feedsync/internal/app"
	"github.com/feedsync/feedsync/internal/config"
	"github.com/feedsync/feedsync/internal/engine"
	"github.com/feedsync/feedsync/internal/manifest"
)

var (
	version = "dev"
	commit  = "unknown"
)

// commonFlags are accepted by every command and override the config file
// and environment.
type commonFlags struct {
	configFile string
	dataDir    string
	source     string
	root       string
	driver     string
	dsn        string
	httpAddr   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&c.dataDir, "data-dir", "", "Base directory for the manifest, storage and default SQLite target")
	fs.StringVar(&c.source, "source", "", "Feed location: http(s):// URL, s3://bucket/key or local path")
	fs.StringVar(&c.root, "root", "", "Container element whose children are groups (default shop)")
	fs.StringVar(&c.driver, "driver", "", "Target database driver: postgres or sqlite")
	fs.StringVar(&c.dsn, "dsn", "", "Target database connection string")
	fs.StringVar(&c.httpAddr, "http-addr", "", "HTTP API listen address (serve only)")
}

// load builds the configuration: defaults or file, then environment, then flags.
func (c *commonFlags) load(mode config.Mode) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.configFile != "" {
		cfg, err = config.LoadFromFile(c.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	cfg.Mode = mode
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.source != "" {
		cfg.Source.URL = c.source
	}
	if c.root != "" {
		cfg.Source.Root = c.root
	}
	if c.driver != "" {
		cfg.Database.Driver = c.driver
	}
	if c.dsn != "" {
		cfg.Database.DSN = c.dsn
	}
	if c.httpAddr != "" {
		cfg.HTTP.Addr = c.httpAddr
	}
	return cfg, nil
}

type command struct {
	name    string
	args    string
	summary string
	run     func(args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"serve", "", "Run the scheduler and the HTTP API until interrupted", runServe},
		{"sync", "", "Run one sync pass over the feed", runSync},
		{"tables", "", "List the tables the feed defines", runTables},
		{"ddl", "TABLE", "Print CREATE TABLE for the inferred schema", runDDL},
		{"alter", "TABLE", "Print the ALTER TABLE a permissive pass would run", runAlter},
		{"columns", "TABLE", "Print the live columns of a table", runColumns},
		{"preview", "TABLE", "Print the statements a strict pass would run", runPreview},
		{"unique", "TABLE COLUMN", "Check whether a live column holds distinct values", runUnique},
		{"runs", "", "Print the run log", runRuns},
		{"snapshots", "", "List archived feed snapshots", runSnapshots},
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "feedsync - keep relational tables in sync with an XML catalog feed\n\n")
	fmt.Fprintf(os.Stderr, "Usage: feedsync <command> [options] [args]\n\nCommands:\n")
	for _, c := range commands {
		name := c.name
		if c.args != "" {
			name += " " + c.args
		}
		fmt.Fprintf(os.Stderr, "  %-22s %s\n", name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "  %-22s %s\n", "version", "Show version information")
	fmt.Fprintf(os.Stderr, "\nRun 'feedsync <command> -h' for command options.\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  FEEDSYNC_SOURCE_URL       Feed location\n")
	fmt.Fprintf(os.Stderr, "  FEEDSYNC_DATABASE_DRIVER  Target driver (postgres, sqlite)\n")
	fmt.Fprintf(os.Stderr, "  FEEDSYNC_DATABASE_DSN     Target connection string\n")
	fmt.Fprintf(os.Stderr, "  FEEDSYNC_SYNC_MODE        strict or permissive\n")
	fmt.Fprintf(os.Stderr, "  FEEDSYNC_STORAGE_TYPE     Snapshot storage (local, s3)\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]
	switch name {
	case "version", "--version", "-version":
		fmt.Printf("feedsync version %s (commit: %s)\n", version, commit)
		return
	case "help", "-h", "--help", "-help":
		usage()
		return
	}

	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				os.Exit(2)
			}
			log.Printf("feedsync %s: %v", name, err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

// open loads the configuration, sets up logging and opens the app.
func open(common *commonFlags, mode config.Mode) (*app.App, func(), error) {
	cfg, err := common.load(mode)
	if err != nil {
		return nil, nil, err
	}
	logCloser := cfg.Log.SetupLogging()

	a, err := app.New(cfg)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	if err := a.Open(context.Background()); err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := a.Close(); err != nil {
			log.Printf("feedsync: [WARN] close: %v", err)
		}
		logCloser.Close()
	}
	return a, closeFn, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load(config.ModeServe)
	if err != nil {
		return err
	}
	logCloser := cfg.Log.SetupLogging()
	defer logCloser.Close()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.WaitForShutdown(ctx)
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	strict := fs.Bool("strict", false, "Reject any schema drift instead of adding columns")
	policy := fs.String("policy", "", "Batch policy after a table fails: continue or stop")
	snapshot := fs.String("snapshot", "", "Replay an archived snapshot (fingerprint or key) instead of fetching")
	tables := fs.String("tables", "", "Comma-separated tables to sync (default: every group)")
	force := fs.Bool("force", false, "Apply the feed even when it is unchanged since the last pass")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, closeFn, err := open(&common, config.ModeOnce)
	if err != nil {
		return err
	}
	defer closeFn()

	req := a.Service().Request("cli")
	if *strict {
		req.Mode = engine.Strict
	}
	if *policy != "" {
		p, ok := engine.ParseBatchPolicy(*policy)
		if !ok {
			return fmt.Errorf("unknown batch policy %q", *policy)
		}
		req.Policy = p
	}
	if *tables != "" {
		req.Tables = strings.Split(*tables, ",")
	}
	req.Snapshot = *snapshot
	req.Force = *force

	rep, err := a.RunPass(context.Background(), req)
	if rep != nil {
		if perr := printJSON(rep); perr != nil {
			return perr
		}
	}
	return err
}

// inspect parses the common flags plus --snapshot, opens the app and loads
// the feed when load is set.
func inspect(name string, args []string, nargs int, load bool, fn func(a *app.App, args []string) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	snapshot := fs.String("snapshot", "", "Inspect an archived snapshot instead of the live feed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != nargs {
		return fmt.Errorf("expected %d argument(s), got %d", nargs, fs.NArg())
	}

	a, closeFn, err := open(&common, config.ModeOnce)
	if err != nil {
		return err
	}
	defer closeFn()

	if load {
		if _, err := a.Service().Load(context.Background(), *snapshot); err != nil {
			return err
		}
	}
	return fn(a, fs.Args())
}

func runTables(args []string) error {
	return inspect("tables", args, 0, true, func(a *app.App, _ []string) error {
		for _, t := range a.Service().Engine().Tables() {
			fmt.Println(t)
		}
		return nil
	})
}

func runDDL(args []string) error {
	return inspect("ddl", args, 1, true, func(a *app.App, args []string) error {
		ddl, err := a.Service().Engine().DDLFor(args[0])
		if err != nil {
			return err
		}
		fmt.Println(ddl)
		return nil
	})
}

func runAlter(args []string) error {
	return inspect("alter", args, 1, true, func(a *app.App, args []string) error {
		stmt, pending, err := a.Service().Engine().AlterDeltaFor(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !pending {
			fmt.Fprintf(os.Stderr, "%s: no columns to add\n", args[0])
			return nil
		}
		fmt.Println(stmt)
		return nil
	})
}

func runColumns(args []string) error {
	return inspect("columns", args, 1, false, func(a *app.App, args []string) error {
		cols, err := a.Service().Engine().ColumnsOf(context.Background(), args[0])
		if err != nil {
			return err
		}
		for _, c := range cols {
			fmt.Println(c)
		}
		return nil
	})
}

func runPreview(args []string) error {
	return inspect("preview", args, 1, true, func(a *app.App, args []string) error {
		sql, err := a.Service().Engine().ReplaceSQL(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(sql)
		return nil
	})
}

func runUnique(args []string) error {
	return inspect("unique", args, 2, false, func(a *app.App, args []string) error {
		unique, err := a.Service().Engine().IsColumnUnique(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(unique)
		return nil
	})
}

func runRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	table := fs.String("table", "", "Only runs of this table")
	batch := fs.String("batch", "", "Only runs of this batch")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, closeFn, err := open(&common, config.ModeOnce)
	if err != nil {
		return err
	}
	defer closeFn()

	runs, err := a.Service().Manifest().ListRuns(context.Background(), manifest.RunFilter{
		Table: *table, BatchID: *batch, Limit: *limit,
	})
	if err != nil {
		return err
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-20s %-10s %-11s rows=%d", r.StartedAt.Format("2006-01-02 15:04:05"), r.Table, r.Mode, r.State, r.Rows)
		if r.ErrorCode != "" {
			line += "  " + r.ErrorCode
		}
		fmt.Println(line)
	}
	return nil
}

func runSnapshots(args []string) error {
	return inspect("snapshots", args, 0, false, func(a *app.App, _ []string) error {
		arch := a.Service().Archive()
		if arch == nil {
			return fmt.Errorf("archive is disabled")
		}
		snaps, err := arch.List(context.Background())
		if err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %8d bytes\n", s.CreatedAt.Format("2006-01-02 15:04:05"), s.Fingerprint, s.CompressedSize)
		}
		return nil
	})
}
