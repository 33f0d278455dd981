package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage meridian configuration",
	Long: sym.AM + ` am - Manage meridian configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/meridian/config.toml)
3. User config (~/.meridian/config.toml)
4. Project config (./meridian.toml)
5. Environment variables (MERIDIAN_* prefix, e.g. MERIDIAN_AUTOPUBLISH_TIMEZONE)

A running server watches the highest-precedence file and applies slot,
catalog and done-set changes without a restart.

Examples:
  meridian am show                # Show current configuration
  meridian am show --format json  # Show configuration as JSON
  meridian am validate            # Validate current configuration
  meridian am where               # Show which files are loaded
  meridian am init                # Write the defaults to ./meridian.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file populated with the defaults",
	RunE:  runAmInit,
}

var (
	configFormat string
	initPath     string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	amInitCmd.Flags().StringVar(&initPath, "path", "meridian.toml", "File to write")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file (previous content is kept as .back1)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case "toml":
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# meridian configuration\n%s", string(data))
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	active := am.ActiveConfigPath()

	data := pterm.TableData{{"PRECEDENCE", "PATH", "STATE"}}
	for i, path := range am.ConfigPaths() {
		state := "missing"
		if _, err := os.Stat(path); err == nil {
			state = "loaded"
		}
		if path == active {
			state += ", watched"
		}
		data = append(data, []string{fmt.Sprintf("%d", i+2), path, state})
	}
	pterm.Println("Configuration cascade (later overrides earlier):")
	pterm.Println("  1  built-in defaults")
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printf("  %d  %s_* environment variables\n", len(am.ConfigPaths())+2, am.EnvPrefix)
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initPath); err == nil && !initForce {
		return errors.WithHint(errors.Newf("%s already exists", initPath), "pass --force to overwrite it")
	}

	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	if err != nil {
		return err
	}
	if err := am.WriteConfig(initPath, cfg, nil); err != nil {
		return err
	}

	abs, _ := filepath.Abs(initPath)
	pterm.Success.Printf("Wrote default configuration to %s\n", abs)
	return nil
}
