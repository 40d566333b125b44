// Command mef3server is the CLI/container entrypoint for the MEF3 chunk
// cache and prefetch server. Out of scope per spec.md §1 as a
// transport/packaging concern, but an ambient entrypoint is still
// needed to run the core; its shape -- a cobra root command with
// persistent flags feeding an immutable config.Config -- follows the
// teacher's cmd/root.go.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnelair/brainmaze-mef3-server/internal/config"
	"github.com/bnelair/brainmaze-mef3-server/internal/corelog"
	"github.com/bnelair/brainmaze-mef3-server/internal/decoder"
	"github.com/bnelair/brainmaze-mef3-server/internal/filemanager"
	"github.com/bnelair/brainmaze-mef3-server/internal/rpcserver"
	"github.com/bnelair/brainmaze-mef3-server/internal/server"
)

var (
	flagPort                    int
	flagNPrefetch               int
	flagCacheCapacityMultiplier int
	flagMaxWorkers              int
	flagLogLevel                string
)

var rootCmd = &cobra.Command{
	Use:   "mef3server",
	Short: "Remote-access server for MEF3 recordings",
	Long: "mef3server serves bounded-latency, fixed-duration signal chunks\n" +
		"out of MEF3 recordings to many concurrent clients, backed by a\n" +
		"bounded LRU chunk cache and a speculative prefetch engine.",
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "RPC listen port (transport concern; recorded only, requests are always served over the reference stdio transport)")
	rootCmd.PersistentFlags().IntVar(&flagNPrefetch, "n-prefetch", 0, "number of chunks to speculatively decode after each access (0 disables prefetch)")
	rootCmd.PersistentFlags().IntVar(&flagCacheCapacityMultiplier, "cache-capacity-multiplier", 0, "cache capacity = n-prefetch * this, floored at 1")
	rootCmd.PersistentFlags().IntVar(&flagMaxWorkers, "max-workers", 0, "prefetch worker pool size")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "one of debug, info, warning, error, critical")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := corelog.New(os.Stderr, cfg.LogLevel)
	compLog := logger.With("main")
	compLog.Infof("starting mef3server: n_prefetch=%d cache_capacity=%d max_workers=%d", cfg.NPrefetch, cfg.CacheCapacity(), cfg.MaxWorkers)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	adapter := decoder.New(decoder.UnimplementedNativeDecoder{})
	manager := filemanager.New(ctx, adapter, cfg, logger)
	svc := server.New(manager)
	rpc := rpcserver.New(svc, logger)

	compLog.Infof("serving on stdio (reference transport; configured RPC port %d is a packaging concern, see spec.md §1/§6)", cfg.Port)
	return rpc.Serve(ctx, os.Stdin, os.Stdout)
}

// loadConfig layers explicit CLI flags (only those the user actually
// set) over the environment, over hard-coded defaults -- the same
// override order as the teacher's ste.NewConcurrencySettings.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, err
	}

	overrides := map[string]string{}
	if rootCmd.Flags().Changed("port") {
		overrides["port"] = fmt.Sprint(flagPort)
	}
	if rootCmd.Flags().Changed("n-prefetch") {
		overrides["n_prefetch"] = fmt.Sprint(flagNPrefetch)
	}
	if rootCmd.Flags().Changed("cache-capacity-multiplier") {
		overrides["cache_capacity_multiplier"] = fmt.Sprint(flagCacheCapacityMultiplier)
	}
	if rootCmd.Flags().Changed("max-workers") {
		overrides["max_workers"] = fmt.Sprint(flagMaxWorkers)
	}
	if flagLogLevel != "" {
		overrides["log_level"] = flagLogLevel
	}
	if len(overrides) == 0 {
		return cfg, nil
	}

	// Re-Load starting from cfg (env-applied) so flags win over env,
	// which wins over Default.
	merged := map[string]string{
		"port":                      fmt.Sprint(cfg.Port),
		"n_prefetch":                fmt.Sprint(cfg.NPrefetch),
		"cache_capacity_multiplier": fmt.Sprint(cfg.CacheCapacityMultiplier),
		"max_workers":               fmt.Sprint(cfg.MaxWorkers),
		"log_level":                 cfg.LogLevel.String(),
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return config.Load(merged)
}
