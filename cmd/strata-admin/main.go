// Package main implements the strata-admin binary: blueprint and
// tenant-config administration against a strata data directory.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stratalabs/strata/internal/config"
	"github.com/stratalabs/strata/internal/model"
	"github.com/stratalabs/strata/internal/pipeline"
	"github.com/stratalabs/strata/internal/registry"
	"github.com/stratalabs/strata/internal/tenantcfg"
	"github.com/stratalabs/strata/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "strata-admin",
	Short: "Strata blueprint and tenant-config administration",
	Long: `strata-admin administers a strata data directory.

Registers connector blueprints, inspects schema discoveries, manages
per-tenant logic blocks, and reads run history. Operates directly on the
metadata database, so point it at the same --data-dir the service uses.

Examples:
  strata-admin seed --data-dir /data/strata
  strata-admin blueprints ls
  strata-admin blueprints register 3f8a... --platform shopify --table orders --model master_orders
  strata-admin discoveries
  strata-admin config put acme --source shopify --table orders --file logic.yaml
  strata-admin runs`,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register the built-in connector library",
	Long:  "Registers every blueprint in the built-in connector library, skipping fingerprints that are already mapped.",
	RunE:  runSeed,
}

var blueprintsCmd = &cobra.Command{
	Use:   "blueprints",
	Short: "Manage connector blueprints",
}

var blueprintsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the current blueprint of every known fingerprint",
	RunE:  runBlueprintsLs,
}

var (
	registerPlatform string
	registerTable    string
	registerModel    string
)

var blueprintsRegisterCmd = &cobra.Command{
	Use:   "register <fingerprint>",
	Short: "Map a schema fingerprint to a master model",
	Long: `Maps a physical schema fingerprint to a master model. Re-registering
the same mapping is a no-op; mapping to a different model records a new
blueprint version and clears any pending discovery for the fingerprint.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlueprintsRegister,
}

var blueprintsHistoryCmd = &cobra.Command{
	Use:   "history <fingerprint>",
	Short: "Show every blueprint version of a fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlueprintsHistory,
}

var discoveriesCmd = &cobra.Command{
	Use:   "discoveries",
	Short: "List schema fingerprints awaiting classification",
	RunE:  runDiscoveries,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage per-tenant logic blocks",
}

var (
	putSource string
	putTable  string
	putFile   string
)

var configPutCmd = &cobra.Command{
	Use:   "put <tenant>",
	Short: "Install a tenant logic block from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigPut,
}

var configLsCmd = &cobra.Command{
	Use:   "ls <tenant>",
	Short: "List a tenant's current logic blocks",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigLs,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show the most recent pipeline run and its stage timings",
	RunE:  runRuns,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("strata-admin version %s (commit: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Base directory for all data files")

	blueprintsRegisterCmd.Flags().StringVar(&registerPlatform, "platform", "", "Source platform the schema came from")
	blueprintsRegisterCmd.Flags().StringVar(&registerTable, "table", "", "Source table name")
	blueprintsRegisterCmd.Flags().StringVar(&registerModel, "model", "", "Master model id to map to")
	blueprintsRegisterCmd.MarkFlagRequired("platform")
	blueprintsRegisterCmd.MarkFlagRequired("table")
	blueprintsRegisterCmd.MarkFlagRequired("model")

	configPutCmd.Flags().StringVar(&putSource, "source", "", "Source platform the block applies to")
	configPutCmd.Flags().StringVar(&putTable, "table", "", "Table name the block applies to")
	configPutCmd.Flags().StringVar(&putFile, "file", "", "Path to the logic block definition")
	configPutCmd.MarkFlagRequired("source")
	configPutCmd.MarkFlagRequired("table")
	configPutCmd.MarkFlagRequired("file")

	blueprintsCmd.AddCommand(blueprintsLsCmd)
	blueprintsCmd.AddCommand(blueprintsRegisterCmd)
	blueprintsCmd.AddCommand(blueprintsHistoryCmd)
	configCmd.AddCommand(configPutCmd)
	configCmd.AddCommand(configLsCmd)

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(blueprintsCmd)
	rootCmd.AddCommand(discoveriesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadAdminConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

func openRegistry() (*registry.SQLiteRegistry, error) {
	cfg, err := loadAdminConfig()
	if err != nil {
		return nil, err
	}
	return registry.NewRegistry(cfg.MetadataPath())
}

func runSeed(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	n, err := reg.Seed(context.Background())
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	fmt.Printf("Registered %d connector blueprint(s)\n", n)
	return nil
}

func runBlueprintsLs(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	blueprints, err := reg.ListCurrent(context.Background())
	if err != nil {
		return err
	}
	if len(blueprints) == 0 {
		fmt.Println("No blueprints registered")
		return nil
	}
	for _, bp := range blueprints {
		printBlueprint(bp)
	}
	return nil
}

func runBlueprintsRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}

	models, err := model.LoadLibrary(cfg.Pipeline.MappingsFile)
	if err != nil {
		return fmt.Errorf("failed to load model library: %w", err)
	}
	if _, ok := models[registerModel]; !ok {
		return fmt.Errorf("master model %q is not in the library", registerModel)
	}

	reg, err := registry.NewRegistry(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer reg.Close()

	bp, err := reg.Register(context.Background(), types.Fingerprint(args[0]), registerPlatform, registerTable, registerModel)
	if err != nil {
		return err
	}
	fmt.Printf("Registered version %d\n", bp.Version)
	printBlueprint(bp)
	return nil
}

func runBlueprintsHistory(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	versions, err := reg.History(context.Background(), types.Fingerprint(args[0]))
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("no blueprint registered for fingerprint %s", args[0])
	}
	for _, bp := range versions {
		printBlueprint(bp)
	}
	return nil
}

func runDiscoveries(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	discoveries, err := reg.Discoveries(context.Background())
	if err != nil {
		return err
	}
	if len(discoveries) == 0 {
		fmt.Println("No pending discoveries")
		return nil
	}
	for _, d := range discoveries {
		fmt.Printf("%s  tenant=%s source=%s table=%s batches=%d last_seen=%s\n",
			d.Fingerprint, d.TenantSlug, d.SourcePlatform, d.TableName,
			d.BatchCount, d.LastSeenAt.Format(time.RFC3339))
		if len(d.SampleColumns) > 0 {
			fmt.Printf("    columns: %v\n", d.SampleColumns)
		}
	}
	return nil
}

func runConfigPut(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(putFile)
	if err != nil {
		return fmt.Errorf("failed to read logic file: %w", err)
	}

	var logic tenantcfg.LogicBlock
	if err := yaml.Unmarshal(raw, &logic); err != nil {
		return fmt.Errorf("failed to parse logic file: %w", err)
	}
	if err := logic.Validate(); err != nil {
		return fmt.Errorf("invalid logic block: %w", err)
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	resolver, err := tenantcfg.NewResolver(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer resolver.Close()

	stored, err := resolver.Put(context.Background(), args[0], putSource, putTable, logic)
	if err != nil {
		return err
	}
	fmt.Printf("Installed logic %s for %s/%s/%s\n", stored.LogicHash, stored.TenantSlug, stored.SourceName, stored.TableName)
	return nil
}

func runConfigLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	resolver, err := tenantcfg.NewResolver(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer resolver.Close()

	configs, err := resolver.ListForTenant(context.Background(), args[0])
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		fmt.Printf("No logic blocks installed for tenant %s\n", args[0])
		return nil
	}
	for _, c := range configs {
		fmt.Printf("%s/%s  hash=%s filters=%d calculations=%d updated=%s\n",
			c.SourceName, c.TableName, c.LogicHash,
			len(c.Logic.Filters), len(c.Logic.Calculations),
			c.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ledger, err := pipeline.NewLedger(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := context.Background()
	run, ok, err := ledger.Latest(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("Run %s: %s (trigger: %s, tenants: %d, started: %s)\n",
		run.RunID, run.Status, run.Trigger, run.TenantCount,
		run.StartedAt.Format(time.RFC3339))
	if run.Error != "" {
		fmt.Printf("  error: %s\n", run.Error)
	}

	stages, err := ledger.Stages(ctx, run.RunID)
	if err != nil {
		return err
	}
	for _, s := range stages {
		fmt.Printf("  %-16s %-12s rows=%-8d %v\n", s.TenantSlug, s.Stage, s.Rows, s.Duration.Round(time.Millisecond))
	}
	return nil
}

func printBlueprint(bp *registry.Blueprint) {
	fmt.Printf("%s  v%d  %s/%s -> %s  (%s)\n",
		bp.Fingerprint, bp.Version, bp.SourcePlatform, bp.SourceTable,
		bp.MasterModelID, bp.RegisteredAt.Format(time.RFC3339))
}
