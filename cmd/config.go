package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chalkan3/moodle-eks/internal/common"
	"github.com/chalkan3/moodle-eks/pkg/config"
)

var (
	outputPath string
	forceWrite bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage deployment configuration",
	Long: `Manage the moodle-eks configuration file and saved credentials.

Configuration is layered: the YAML file (./moodle-eks.yaml or --config),
then MOODLE_<SECTION>_<KEY> environment variables, then command flags.`,
}

var generateCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"generate"},
	Short:   "Generate an example configuration file",
	Long: `Write an annotated example configuration with every section:
cluster, database, storage, app, ingress, scaling, dns, addons,
timeouts and retry. Unset values fall back to defaults.`,
	Example: `  # Write ./moodle-eks.yaml
  moodle-eks config init

  # Write to a specific file, replacing it
  moodle-eks config init -o staging.yaml --force`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Long: `Print the configuration after the file, MOODLE_* environment
variables and defaults are applied, and validate it.`,
	Args: cobra.NoArgs,
	RunE: runShowConfig,
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials [KEY=VALUE...]",
	Short: "Save AWS credentials for later runs",
	Long: `Save KEY=VALUE pairs such as AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
AWS_PROFILE or MOODLE_REGION to ~/.moodle-eks/credentials with owner-only
permissions. Saved values are exported before every command unless the
variable is already set. Without arguments, shows which keys are saved.`,
	Example: `  # Save a profile and region
  moodle-eks config credentials AWS_PROFILE=moodle MOODLE_REGION=eu-west-1

  # Show saved keys
  moodle-eks config credentials`,
	RunE: runCredentials,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(generateCmd)
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(credentialsCmd)

	generateCmd.Flags().StringVarP(&outputPath, "output", "o", config.DefaultConfigFile, "Output file path")
	generateCmd.Flags().BoolVar(&forceWrite, "force", false, "Overwrite an existing file")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	printHeader("Generating Configuration File")

	if err := config.WriteExample(outputPath, forceWrite); err != nil {
		return err
	}

	color.Green("✓ Configuration saved to %s", outputPath)
	fmt.Println()
	color.Cyan("Next steps:")
	fmt.Printf("  1. Edit %s\n", outputPath)
	fmt.Println("  2. Save credentials:  moodle-eks config credentials AWS_PROFILE=<profile>")
	fmt.Printf("  3. Review the plan:   moodle-eks plan -c %s\n", outputPath)
	fmt.Printf("  4. Deploy:            moodle-eks deploy -c %s\n", outputPath)
	return nil
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(cfg)
}

func runCredentials(cmd *cobra.Command, args []string) error {
	values, err := common.SavedCredentials()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		exists, path, err := common.GetCredentialsStatus()
		if err != nil {
			return err
		}
		if !exists {
			color.Yellow("No saved credentials (%s)", path)
			return nil
		}
		fmt.Printf("Saved in %s:\n", path)
		for _, key := range sortedKeys(values) {
			fmt.Printf("  %s=%s\n", key, maskValue(key, values[key]))
		}
		return nil
	}

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid pair %q (want KEY=VALUE)", arg)
		}
		if value == "" {
			delete(values, key)
			continue
		}
		values[key] = value
	}
	path, err := common.SaveCredentials(values)
	if err != nil {
		return err
	}
	color.Green("✓ %d keys saved to %s", len(values), path)
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// maskValue hides secrets but keeps profile and region names readable
func maskValue(key, value string) string {
	upper := strings.ToUpper(key)
	if !strings.Contains(upper, "SECRET") && !strings.Contains(upper, "TOKEN") &&
		!strings.Contains(upper, "PASSWORD") && !strings.Contains(upper, "KEY_ID") {
		return value
	}
	if len(value) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
