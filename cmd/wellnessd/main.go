package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/wellness/pkg/adapters/llm"
	"github.com/wilhg/wellness/pkg/adapters/llm/fake"
	_ "github.com/wilhg/wellness/pkg/adapters/llm/gemini"
	_ "github.com/wilhg/wellness/pkg/adapters/llm/openai"
	"github.com/wilhg/wellness/pkg/api"
	"github.com/wilhg/wellness/pkg/assess"
	"github.com/wilhg/wellness/pkg/config"
	"github.com/wilhg/wellness/pkg/eval"
	"github.com/wilhg/wellness/pkg/logging"
	"github.com/wilhg/wellness/pkg/mcpserver"
	"github.com/wilhg/wellness/pkg/notify"
	otto "github.com/wilhg/wellness/pkg/otel"
	"github.com/wilhg/wellness/pkg/prompt"
	"github.com/wilhg/wellness/pkg/runtime"
	"github.com/wilhg/wellness/pkg/store/sqlstore"
	"github.com/wilhg/wellness/pkg/wellness"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wellnessd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "wellnessd",
		Short:         "Poll sensor sessions, assess them and serve the latest insight",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("wellnessd %s (commit=%s, date=%s)\n", version, commit, date))
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("WELLNESS_CONFIG"), "optional YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the polling worker and the read API (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, configPath)
			},
		},
		newMigrateCmd(&configPath),
		&cobra.Command{
			Use:   "assess-once",
			Short: "Run exactly one pipeline cycle and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd, configPath)
			},
		},
		newSeedCmd(&configPath),
		newEvalCmd(&configPath),
	)
	return root
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var source bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the result table (and the sensor table with --source)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if source {
				if err := st.MigrateSource(cmd.Context()); err != nil {
					return err
				}
			}
			log.Info().Str("dialect", st.Dialect()).Bool("source", source).Msg("migrated")
			return nil
		},
	}
	cmd.Flags().BoolVar(&source, "source", false, "also create sensor_logs (local use)")
	return cmd
}

func newSeedCmd(configPath *string) *cobra.Command {
	var session, file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Append readings from a fixture file to sensor_logs (local use)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var fx eval.Fixture
			if err := json.Unmarshal(b, &fx); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if session != "" {
				fx.Session = session
			}
			if fx.Session == "" {
				return errors.New("seed: session id required (--session or session_id in file)")
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.MigrateSource(cmd.Context()); err != nil {
				return err
			}
			if err := st.InsertMeasurements(cmd.Context(), fx.Measurements()); err != nil {
				return err
			}
			log.Info().Str("session_id", fx.Session).Int("readings", len(fx.Readings)).Msg("seeded")
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (overrides the file)")
	cmd.Flags().StringVar(&file, "file", "", "fixture JSON with readings")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newEvalCmd(configPath *string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Check the assembled prompt against fixture expectations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			instr, _, err := prompt.LoadWellness(prompt.NewStore(), cfg.LLM.PromptFile)
			if err != nil {
				return err
			}
			r, err := assess.New(fake.New(nil), assess.WithInstruction(instr), assess.WithSampleInterval(cfg.SampleInterval()))
			if err != nil {
				return err
			}
			rep, err := eval.EvaluatePromptFixtures(os.DirFS(dir), ".", r)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range rep.Details {
				fmt.Fprintln(out, d)
			}
			fmt.Fprintf(out, "passed %d/%d (score %.2f)\n", rep.Passed, rep.Total, rep.Score())
			if rep.Passed != rep.Total {
				return fmt.Errorf("eval: %d fixture(s) failed", rep.Total-rep.Passed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "pkg/eval/testdata/prompts", "fixture directory")
	return cmd
}

func setup(cmd *cobra.Command, configPath string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()).
		With().Str("service", "wellnessd").Logger()
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg config.Config) (*sqlstore.Store, error) {
	st, err := sqlstore.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func buildAssessor(ctx context.Context, cfg config.Config, log zerolog.Logger) (*assess.Client, error) {
	instr, diff, err := prompt.LoadWellness(prompt.NewStore(), cfg.LLM.PromptFile)
	if err != nil {
		return nil, err
	}
	if diff != "" {
		log.Info().Int("version", instr.Version).Str("diff", diff).Msg("instruction override loaded")
	}
	model, err := llm.New(ctx, cfg.LLM.Provider, map[string]any{
		"api_key": cfg.APIKey(),
		"model":   cfg.LLM.Model,
		"timeout": cfg.LLMTimeout(),
	})
	if err != nil {
		return nil, err
	}
	opts := []assess.Option{
		assess.WithInstruction(instr),
		assess.WithTimeout(cfg.LLMTimeout()),
		assess.WithSampleInterval(cfg.SampleInterval()),
	}
	if cfg.LLM.MaxPromptTokens > 0 {
		est, err := assess.NewTikTokenEstimator(cfg.LLM.Model)
		if err != nil {
			return nil, fmt.Errorf("token estimator: %w", err)
		}
		opts = append(opts, assess.WithTokenBudget(cfg.LLM.MaxPromptTokens, est))
	}
	return assess.New(model, opts...)
}

// pipeline holds everything a cycle needs; close releases it.
type pipeline struct {
	store    *sqlstore.Store
	notifier *notify.Notifier
	sched    *runtime.Scheduler
}

func (p *pipeline) close() {
	if p.notifier != nil {
		_ = p.notifier.Close()
	}
	_ = p.store.Close()
}

// buildPipeline wires store, assessor and scheduler. An in-process notifier
// is only built when serving, where runServe attaches its consumer.
func buildPipeline(ctx context.Context, cfg config.Config, log zerolog.Logger, serving bool) (*pipeline, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := buildAssessor(ctx, cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	opts := []runtime.SchedulerOption{
		runtime.WithInterval(cfg.PollInterval()),
		runtime.WithLogger(log),
		runtime.WithSkipUnchanged(cfg.SkipUnchanged),
	}
	var n *notify.Notifier
	if serving || cfg.Notify.RedisAddr != "" {
		n, err = notify.New(notify.Settings{RedisAddr: cfg.Notify.RedisAddr, Topic: cfg.Notify.Topic}, logging.Watermill(log))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		opts = append(opts, runtime.WithNotifier(n))
	}
	sched := runtime.NewScheduler(runtime.Deps{
		Selector: wellness.MaxTimestampSelector{Source: st},
		Source:   st,
		Results:  st,
		Assessor: client,
	}, opts...)
	return &pipeline{store: st, notifier: n, sched: sched}, nil
}

func runOnce(cmd *cobra.Command, configPath string) error {
	cfg, log, err := setup(cmd, configPath)
	if err != nil {
		return err
	}
	p, err := buildPipeline(cmd.Context(), cfg, log, false)
	if err != nil {
		return err
	}
	defer p.close()
	out, err := p.sched.RunCycle(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), out.String())
	return err
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, log, err := setup(cmd, configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := otto.Config{ServiceName: "wellness", ServiceVersion: version}
	if cfg.OTelStdout {
		tcfg.Export = cmd.ErrOrStderr()
	}
	shutdownTracing, err := otto.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	p, err := buildPipeline(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer p.close()

	h := api.NewHandler(p.store, log)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Instrument(api.NewServer(h, mcpserver.New(p.store, version).Handler())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.notifier.InProcess() {
		// subscribe before the first cycle can publish
		events, err := p.notifier.Subscribe(gctx)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		g.Go(func() error {
			notify.Drain(events, func(_ context.Context, ev notify.Event) {
				log.Debug().
					Int64("result_id", ev.ResultID).
					Str("session_id", ev.SessionID).
					Int64("watermark_ms", ev.WatermarkMs).
					Msg("result announced")
			})
			return nil
		})
	}
	g.Go(func() error { return p.sched.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("dialect", p.store.Dialect()).Msg("serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	log.Info().Err(err).Msg("stopped")
	return err
}
