// Command fabric is THE CORE's single-binary entrypoint, grounded on the
// teacher's cmd/warren: a cobra root command with serve/status
// subcommands and a --version flag, flags binding into pkg/config's loader.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fabric/pkg/config"
	"github.com/cuemby/fabric/pkg/coordinator"
	"github.com/cuemby/fabric/pkg/export"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/jobqueue"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/cuemby/fabric/pkg/shop"
	"github.com/cuemby/fabric/pkg/smelting"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fabric",
	Short:   "fabric - a voxel-world item-fabric coordinator",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fabric version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator process",
	Long: `Run the item-fabric coordinator: the Index, Transfer Engine, Agent
Registry, Message Bus, Export Policy Engine, Job Queue, Request Planner,
Smelting Orchestrator, shop Engine, and Periodic Scheduler, as one
long-lived process (spec.md §2/§5).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		manifestPath, _ := cmd.Flags().GetString("manifest")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg := config.FromEnv()
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		book := jobqueue.MapRecipeBook{}
		refunder := loggingRefunder{}

		c, err := coordinator.New(cfg, book, refunder)
		if err != nil {
			return fmt.Errorf("failed to build coordinator: %w", err)
		}

		if manifestPath != "" {
			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			applyManifest(c, m)
			fmt.Printf("✓ Manifest loaded: %d export targets, %d smelting targets\n", len(m.ExportTargets), len(m.SmeltingTargets))
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "ok\n")
		})
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health endpoint:  http://%s/health\n", metricsAddr)

		c.Start()
		fmt.Println("✓ Coordinator started. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		c.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a running coordinator's health endpoint responds",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+metricsAddr+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("coordinator unreachable at %s: %w", metricsAddr, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("coordinator unhealthy: HTTP %d", resp.StatusCode)
		}
		fmt.Printf("✓ coordinator healthy at %s\n", metricsAddr)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory for persistence (overrides FABRIC_DATA_DIR)")
	serveCmd.Flags().String("manifest", "", "Path to a YAML manifest of export/smelting targets")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")

	statusCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address of a running coordinator's metrics/health server")
}

// applyManifest installs declarative export and smelting targets loaded
// from a YAML manifest (spec.md §3.7, §4.9) into the coordinator's engines.
func applyManifest(c *coordinator.Coordinator, m *config.Manifest) {
	exportTargets := make([]export.Target, 0, len(m.ExportTargets))
	for _, t := range m.ExportTargets {
		slots := make([]export.SlotSpec, 0, len(t.Slots))
		for _, s := range t.Slots {
			slots = append(slots, export.SlotSpec{
				Item:      s.Item,
				Qty:       s.Qty,
				Slot:      s.Slot,
				SlotStart: s.SlotStart,
				SlotEnd:   s.SlotEnd,
				NBTMode:   indexNBTMode(s.NBTMode),
				NBTHash:   s.NBTHash,
				Vacuum:    s.Vacuum,
			})
		}
		exportTargets = append(exportTargets, export.Target{
			Container: t.Container,
			Mode:      export.Mode(t.Mode),
			Slots:     slots,
		})
	}
	c.Export.SetTargets(exportTargets)

	smeltingTargets := make([]smelting.Target, 0, len(m.SmeltingTargets))
	for _, t := range m.SmeltingTargets {
		smeltingTargets = append(smeltingTargets, smelting.Target{
			Container:    t.Container,
			Input:        t.Input,
			Output:       t.Output,
			TargetStock:  t.TargetStock,
			FuelPriority: t.FuelPriority,
		})
	}
	c.Smelting.SetTargets(smeltingTargets)
}

// indexNBTMode maps a manifest's textual nbtMode (spec.md §3.7) onto the
// index package's NBTMode constants, defaulting unrecognized values to
// NBTAny rather than rejecting the whole manifest over one typo.
func indexNBTMode(s string) index.NBTMode {
	switch index.NBTMode(s) {
	case index.NBTNone, index.NBTWith, index.NBTExact:
		return index.NBTMode(s)
	default:
		return index.NBTAny
	}
}

// loggingRefunder stands in for the opaque cryptocurrency payment gateway
// (spec.md §9 Non-goals: "the actual cryptocurrency gateway wire client" is
// explicitly out of scope), logging refunds instead of issuing them.
type loggingRefunder struct{}

func (loggingRefunder) Refund(ctx context.Context, tx shop.Transaction, amount float64, message string) error {
	log.WithComponent("refunder").Info().
		Str("tx_id", tx.ID).
		Float64("amount", amount).
		Str("message", message).
		Msg("refund issued (gateway not wired)")
	return nil
}
