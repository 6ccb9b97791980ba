package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter/terminal"
	"github.com/sakamotopaya/code-agent-sub007/client"
	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/scenario"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variable names
const (
	EnvServerKey   = "AGENT_SERVER_KEY"
	EnvProviderKey = "AGENT_PROVIDER_API_KEY"
)

type options struct {
	task       string
	mode       string
	configYAML string
	stateDir   string
	provider   string
	model      string
	serverURL  string
	attachURL  string
	serverKey  string
	batch      bool
	verbose    bool
	noColor    bool
	chunks     bool
	stepDelay  time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", "", "Mode for the task (code, architect, ask, debug, orchestrator)")
	flag.StringVar(&opts.configYAML, "config-yaml", "", "Path to YAML configuration file (API and storage settings)")
	flag.StringVar(&opts.stateDir, "state-dir", defaultStateDir(), "Directory for task history and settings")
	flag.StringVar(&opts.provider, "provider", "anthropic", "API provider used when no config file is given")
	flag.StringVar(&opts.model, "model", "", "Model id used when no config file is given")
	flag.StringVar(&opts.serverURL, "server", "", "Run the task on an agent API server at this base URL")
	flag.StringVar(&opts.attachURL, "attach", "", "Follow an existing job stream URL")
	flag.StringVar(&opts.serverKey, "key", os.Getenv(EnvServerKey), "API key for the agent API server")
	flag.BoolVar(&opts.batch, "batch", false, "Batch mode: no state change notices")
	flag.BoolVar(&opts.verbose, "verbose", false, "Show request and reasoning messages")
	flag.BoolVar(&opts.noColor, "no-color", false, "Disable colors")
	flag.BoolVar(&opts.chunks, "chunks", false, "Stream raw chunks instead of partial messages")
	flag.DurationVar(&opts.stepDelay, "step-delay", 0, "Delay between scripted task steps")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	opts.task = strings.TrimSpace(strings.Join(flag.Args(), " "))

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if debug {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-cli"
	}
	return filepath.Join(home, ".agent-cli")
}

func run(ctx context.Context, logger *zap.Logger, opts options) error {
	termOpts := []terminal.Option{
		terminal.WithLogger(logger),
		terminal.WithBatch(opts.batch),
		terminal.WithVerbose(opts.verbose),
	}
	if opts.noColor {
		termOpts = append(termOpts, terminal.WithColor(false))
	}

	switch {
	case opts.attachURL != "":
		return runAttach(ctx, logger, terminal.New(os.Stdout, termOpts...), opts)
	case opts.serverURL != "":
		return runRemote(ctx, logger, terminal.New(os.Stdout, termOpts...), opts)
	default:
		return runLocal(ctx, logger, os.Stdout, termOpts, opts)
	}
}

func runAttach(ctx context.Context, logger *zap.Logger, out *terminal.Adapter, opts options) error {
	u, err := url.Parse(opts.attachURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid stream URL %q", opts.attachURL)
	}
	c, err := client.New(u.Scheme+"://"+u.Host, opts.serverKey, client.WithLogger(logger))
	if err != nil {
		return err
	}
	r := newRenderer(out, opts.verbose)
	if err := c.StreamURL(ctx, opts.attachURL, r.handle); err != nil {
		return err
	}
	if r.failed {
		return errors.New("job reported an error")
	}
	return nil
}

func runRemote(ctx context.Context, logger *zap.Logger, out *terminal.Adapter, opts options) error {
	if opts.task == "" {
		return errors.New("no task given")
	}
	c, err := client.New(opts.serverURL, opts.serverKey, client.WithLogger(logger))
	if err != nil {
		return err
	}
	r := newRenderer(out, opts.verbose)
	jobID, err := c.Run(ctx, opts.task, opts.mode, r.handle)
	if errors.Is(err, context.Canceled) && jobID != "" {
		cancelCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if cerr := c.Cancel(cancelCtx, jobID); cerr != nil {
			logger.Warn("Failed to cancel remote job", zap.String("jobID", jobID), zap.Error(cerr))
		}
	}
	if err != nil {
		return err
	}
	if r.failed {
		return errors.New("job reported an error")
	}
	return nil
}

func runLocal(ctx context.Context, logger *zap.Logger, w io.Writer, termOpts []terminal.Option, opts options) error {
	if opts.task == "" {
		return errors.New("no task given")
	}

	var (
		st           store.Store
		err          error
		providerOpts []core.ProviderOption
	)
	if opts.configYAML != "" {
		cfg, cerr := config.NewYamlConfig(opts.configYAML, logger)
		if cerr != nil {
			return fmt.Errorf("failed to load config: %w", cerr)
		}
		defer cfg.Close()
		if st, err = store.New(ctx, cfg, logger); err != nil {
			return err
		}
		providerOpts = append(providerOpts, core.WithConfig(cfg))
	} else {
		if st, err = store.NewFileStore(opts.stateDir, logger); err != nil {
			return err
		}
		providerOpts = append(providerOpts, core.WithAPIConfiguration(&config.APIConfiguration{
			Provider: opts.provider,
			ModelID:  opts.model,
			APIKey:   os.Getenv(EnvProviderKey),
		}))
	}
	out := terminal.New(w, append(termOpts, terminal.WithPersistence(st))...)

	factory := scenario.NewFactory(scenario.WithStepDelay(opts.stepDelay), scenario.WithChunks(opts.chunks))
	providerOpts = append(providerOpts,
		core.WithLogger(logger),
		core.WithContext(st),
		core.WithResource(st),
	)
	p, err := core.NewProvider(out, factory, providerOpts...)
	if err != nil {
		return err
	}
	defer p.Dispose(context.Background())

	ended := make(chan bool, 1)
	var rootID atomic.Pointer[string]
	isRoot := func(id string) bool {
		root := rootID.Load()
		return root != nil && *root == id
	}
	signalEnd := func(ok bool) {
		select {
		case ended <- ok:
		default:
		}
	}
	offs := []func(){
		p.Subscribe(core.EventTaskCreated, func(ev core.Event) {
			if ev.Task != nil && ev.Task.ParentID() == "" {
				id := ev.TaskID
				rootID.CompareAndSwap(nil, &id)
			}
		}),
		p.Subscribe(core.EventTaskCompleted, func(ev core.Event) {
			if isRoot(ev.TaskID) {
				signalEnd(true)
			}
		}),
		p.Subscribe(core.EventTaskAborted, func(ev core.Event) {
			if isRoot(ev.TaskID) {
				signalEnd(false)
			}
		}),
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	if _, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: opts.task, Mode: opts.mode}); err != nil {
		return err
	}

	select {
	case ok := <-ended:
		if !ok {
			return errors.New("task aborted")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
