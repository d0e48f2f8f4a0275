// -----------------------------------------------------------------------
// Last Modified: Wednesday, 29th July 2026 9:00:00 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

// Command lecturecrawl is the single controller entry point of §6: it runs
// one crawl epoch (or, with -schedule, a recurring series of them) and
// exits 0 if every post-epoch sanity check passes, 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/models"
	"github.com/ternarybob/lecturecrawl/internal/services/credentials"
	"github.com/ternarybob/lecturecrawl/internal/services/epoch"
	"github.com/ternarybob/lecturecrawl/internal/storage/sqlite"
)

// configPaths is a custom flag type that allows multiple -config flags,
// later files overriding earlier ones (§6 "Configuration").
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
	scheduleFlag = flag.String("schedule", "", "Optional cron expression; repeats the epoch instead of running once (ambient to the batch-job model)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("lecturecrawl version %s\n", common.GetVersion())
		os.Exit(0)
	}

	defer common.RecoverWithCrashFile()

	if len(configFiles) == 0 {
		if _, err := os.Stat("lecturecrawl.toml"); err == nil {
			configFiles = append(configFiles, "lecturecrawl.toml")
		} else if _, err := os.Stat("deployments/local/lecturecrawl.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/lecturecrawl.toml")
		}
	}

	// Startup sequence (REQUIRED ORDER): load config -> initialize logger ->
	// install crash handler -> print banner -> run.
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	if err := common.Validate(config); err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	if config.StartDT != "" {
		if _, err := time.Parse(time.RFC3339, config.StartDT); err != nil {
			tempLogger := arbor.NewLogger()
			tempLogger.Fatal().Str("start_dt", config.StartDT).Err(err).Msg("Invalid start_dt override, must be RFC3339")
			os.Exit(1)
		}
	}

	logger := common.SetupLogger(config)
	common.InstallCrashHandler("./logs")
	common.PrintBanner(config, logger)

	storage, err := sqlite.NewManager(logger, &config.Storage, config.Environment)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage manager")
		os.Exit(1)
	}
	defer storage.Close()

	credResolver := buildCredentialResolver(config, logger)
	controller := epoch.New(storage, credResolver, config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn().Msg("Interrupt received, cancelling in-flight epoch")
		cancel()
	}()

	schedule := *scheduleFlag
	if schedule == "" {
		schedule = config.Schedule
	}

	if schedule == "" {
		exitCode := runOnce(ctx, controller, config, logger)
		common.PrintShutdownBanner(logger)
		common.Stop()
		os.Exit(exitCode)
	}

	runScheduled(ctx, controller, config, logger, schedule)
	common.PrintShutdownBanner(logger)
	common.Stop()
}

// runOnce executes exactly one epoch and returns the process exit code
// named in §6: 0 if every sanity check passed, 1 otherwise.
func runOnce(ctx context.Context, controller *epoch.Controller, config *common.Config, logger arbor.ILogger) int {
	t0 := resolveT0(config, logger)

	result, err := controller.Run(ctx, t0)
	if err != nil {
		logger.Error().Err(err).Msg("Epoch run failed")
		return 1
	}
	if result.Sanity == nil || !result.Sanity.Passed() {
		for _, v := range result.Sanity.Violations {
			logger.Error().Str("property", v.Property).Str("detail", v.Detail).Msg("Sanity check violation")
		}
		return 1
	}
	return 0
}

// runScheduled repeats the epoch on a cron schedule (ambient to §1's
// batch-job model; not itself a spec requirement). Each firing is an
// independent epoch with its own T0; a signal interrupts the current run
// and stops the scheduler.
func runScheduled(ctx context.Context, controller *epoch.Controller, config *common.Config, logger arbor.ILogger, expr string) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		runOnce(ctx, controller, config, logger)
	})
	if err != nil {
		logger.Fatal().Str("schedule", expr).Err(err).Msg("Invalid cron schedule")
		os.Exit(1)
	}
	c.Start()
	logger.Info().Str("schedule", expr).Msg("Running on cron schedule, press Ctrl+C to stop")
	<-ctx.Done()
	c.Stop()
}

// resolveT0 honors the start_dt override named in §6 ("override the epoch
// timestamp, for deterministic testing"); otherwise T0 is now().
func resolveT0(config *common.Config, logger arbor.ILogger) time.Time {
	if config.StartDT == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, config.StartDT)
	if err != nil {
		logger.Warn().Str("start_dt", config.StartDT).Err(err).Msg("Ignoring unparseable start_dt override")
		return time.Now()
	}
	return t
}

// buildCredentialResolver wires the Credential Resolver (C4) from the
// loaded config's global/per-path login entries (§4.4, §6).
func buildCredentialResolver(config *common.Config, logger arbor.ILogger) *credentials.Resolver {
	global := models.Login{User: config.Credentials.Global.User, Pass: config.Credentials.Global.Pass}

	perPath := make([]models.PathCredential, 0, len(config.Credentials.PerPath))
	for _, p := range config.Credentials.PerPath {
		perPath = append(perPath, models.PathCredential{
			URLPrefix: p.URLPrefix,
			Login:     models.Login{User: p.User, Pass: p.Pass},
		})
	}

	return credentials.New(config.Indexer.RootURL, global, perPath, config.Crawler.RequestTimeout, logger)
}
