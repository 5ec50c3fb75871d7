package commands

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/matt-riley/cartfee/internal/client"
)

const (
	envBaseURL = "CARTFEE_BASE_URL"
	envAPIKey  = "CARTFEE_API_KEY"
)

type options struct {
	baseURL string
	apiKey  string
	format  string
	quiet   bool
}

// Execute runs the root command against the process arguments.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each call returns an independent tree
// so tests can run commands in isolation.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "feectl",
		Short: "CLI for conditional cart fees",
		Long: `feectl works with conditional cart fee rules.

Offline commands read YAML files; server commands talk to the cartfee HTTP API.

Examples:
  feectl catalog
  feectl validate rules.yaml
  feectl quote --rules rules.yaml --context cart.yaml --explain
  feectl list --base-url http://localhost:8080 --api-key id.secret
  feectl export --output rules.yaml
  feectl import rules.yaml --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "Base URL of the cartfee API (env "+envBaseURL+")")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "API key in id.secret form (env "+envAPIKey+")")
	root.PersistentFlags().StringVar(&opts.format, "format", string(FormatTable), "Output format (table, json, yaml)")
	root.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "Suppress informational output")

	root.AddCommand(
		newCatalogCmd(opts),
		newValidateCmd(opts),
		newQuoteCmd(opts),
		newListCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
	)
	return root
}

// client resolves connection settings. Flags take priority over the
// environment.
func (o *options) client() (*client.Client, error) {
	baseURL := o.baseURL
	if baseURL == "" {
		baseURL = os.Getenv(envBaseURL)
	}
	apiKey := o.apiKey
	if apiKey == "" {
		apiKey = os.Getenv(envAPIKey)
	}
	if baseURL == "" {
		return nil, errors.New("--base-url or " + envBaseURL + " is required")
	}
	if apiKey == "" {
		return nil, errors.New("--api-key or " + envAPIKey + " is required")
	}
	return client.New(client.Config{BaseURL: baseURL, APIKey: apiKey}), nil
}
