// Package main is the entry point for the Codesage plugin host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dquist/codesage/internal/config"
	"github.com/dquist/codesage/internal/extract"
	"github.com/dquist/codesage/internal/log"
	"github.com/dquist/codesage/internal/plugin"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath string
	logLevel   string
	noSandbox  bool
	watch      bool
	listOnly   bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logger := log.New(log.Config{
		Level:  log.ParseLevel(cfg.LogLevel),
		Prefix: "codesage",
	})

	registry := plugin.NewRegistry(plugin.RegistryConfig{
		HostConfig: cfg,
		Logger:     logger,
	})
	defer registry.Shutdown()

	loadOpts := plugin.Options{
		Enabled:       cfg.Plugins.Enabled,
		DisabledNames: cfg.Plugins.Disabled,
		Sandboxed:     cfg.Plugins.Sandbox.Enabled && !opts.noSandbox,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.LoadAll(ctx, loadOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: plugin load interrupted: %v\n", err)
		return 1
	}

	printStatus(registry)

	if opts.listOnly {
		return 0
	}

	dispatcher := extract.NewDispatcher(registry, logger)
	for _, path := range flag.Args() {
		if err := extractFile(ctx, dispatcher, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: extract %s: %v\n", path, err)
			return 1
		}
	}
	if len(flag.Args()) > 0 && !opts.watch {
		return 0
	}

	if opts.watch {
		watcher, err := plugin.NewWatcher(plugin.WatcherConfig{
			Root:   cfg.Plugins.LocalDir,
			Logger: logger,
			Reload: registry.ReloadPlugin,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to watch %s: %v\n", cfg.Plugins.LocalDir, err)
			return 1
		}
		defer watcher.Close()
		logger.Info("watching %s for plugin changes", cfg.Plugins.LocalDir)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	logger.Info("shutting down")

	return 0
}

// extractFile runs the extraction pipeline over one file and prints the
// resulting blocks.
func extractFile(ctx context.Context, dispatcher *extract.Dispatcher, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	res, err := dispatcher.Extract(ctx, string(data), path)
	if err != nil {
		return err
	}
	if res == nil {
		// No extractor for this extension; the whole file is one block.
		fmt.Printf("%s: 1 block (opaque)\n", path)
		return nil
	}

	fmt.Printf("%s: %d blocks\n", path, len(res.Blocks))
	for _, block := range res.Blocks {
		kind := block.Kind
		if kind == "" {
			kind = "block"
		}
		fmt.Printf("  %4d-%-4d %s\n", block.StartLine, block.EndLine, kind)
	}
	return nil
}

// printStatus writes a descriptor status table covering every discovered
// plugin, loaded or not.
func printStatus(registry *plugin.Registry) {
	descriptors := registry.Descriptors()
	if len(descriptors) == 0 {
		fmt.Println("No plugins discovered.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tORIGIN\tSTATUS\tDETAIL")
	for _, desc := range descriptors {
		detail := desc.IncompatibilityReason
		if detail == "" {
			detail = desc.LastError
		}
		if detail == "" && desc.OverriddenPath != "" {
			detail = "overrides " + desc.OverriddenPath
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			desc.Name(), desc.Manifest.Version, desc.Origin, desc.Status(), detail)
	}
	w.Flush()

	fmt.Printf("\n%d loaded, %d extractors, %d providers\n",
		registry.Count(), len(registry.Extractors()), len(registry.Providers()))
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.noSandbox, "no-sandbox", false, "Disable plugin call timeouts")
	flag.BoolVar(&opts.watch, "watch", false, "Reload plugins when their files change")
	flag.BoolVar(&opts.listOnly, "list", false, "Print plugin status and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Codesage - codebase intelligence plugin host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: codesage [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  codesage -list              Discover plugins and print their status\n")
		fmt.Fprintf(os.Stderr, "  codesage -watch             Run and hot-reload local plugins\n")
		fmt.Fprintf(os.Stderr, "  codesage -no-sandbox        Run without call timeouts\n")
		fmt.Fprintf(os.Stderr, "  codesage src/app.ts         Extract blocks from a file and exit\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("Codesage %s (host %s, plugin api %s)\n", version, plugin.HostVersion, plugin.APIVersion)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}
