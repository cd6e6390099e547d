package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/appconfig/internal/telemetry"
)

var (
	// Global flags
	envFile     string
	profile     string
	region      string
	guid        string
	apiKey      string
	collection  string
	environment string
	serviceURL  string
	bootstrap   string
	cacheDir    string
	offline     bool
	format      string
	quiet       bool
	verbose     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "appconfig",
	Short: "Evaluate feature flags and properties from App Configuration",
	Long: `appconfig loads the feature flags, properties and segments of one
collection and environment and evaluates them locally, exactly as an
application embedding the SDK would.

Connection settings come from flags, APPCONFIG_* environment variables
(or a .env file) and ~/.appconfig/config.yaml, in that order.

Examples:
  appconfig features --profile prod
  appconfig evaluate feature dark_mode --entity user-1 --attr email=a@in.ibm.com
  appconfig properties --offline --bootstrap config.json --format json
  appconfig watch --metrics-addr :9100`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		shutdown, err := telemetry.InitTracing(cmd.Context(), "appconfig-cli")
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		shutdownTracing = shutdown
		return nil
	},
}

var shutdownTracing = func(context.Context) error { return nil }

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(ctx)
	return err
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Settings file read before environment variables (default .env)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Profile from ~/.appconfig/config.yaml")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "Service region, e.g. us-south")
	rootCmd.PersistentFlags().StringVar(&guid, "guid", "", "Service instance GUID")
	rootCmd.PersistentFlags().StringVar(&apiKey, "apikey", "", "IAM API key")
	rootCmd.PersistentFlags().StringVar(&collection, "collection", "", "Collection id")
	rootCmd.PersistentFlags().StringVar(&environment, "environment", "", "Environment id")
	rootCmd.PersistentFlags().StringVar(&serviceURL, "service-url", "", "Override the service host")
	rootCmd.PersistentFlags().StringVar(&bootstrap, "bootstrap", "", "Bootstrap configuration file")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Persistent cache directory")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Use the bootstrap file only, never contact the service")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}
