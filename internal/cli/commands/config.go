package commands

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syscollective/saltpeter/internal/config"
)

// NewConfigCommand creates the config get/set helper, operating on the
// daemon's own saltpeter.yaml (not the cron definitions — see the cron
// subcommand for those).
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Daemon config helpers (get/set)",
		Long:  `Get and set values in saltpeterd's own config file (bind addresses, ports, timing constants).`,
		Example: `  # Get config value
  saltpeterd config get uiEndpoint.port

  # Set config value
  saltpeterd config set uiEndpoint.port 8080`,
	}

	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	return cmd
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Get a configuration value",
		Example: `  saltpeterd config get machineEndpoint.port`,
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := config.LoadViper()
			if err != nil && err != config.ErrConfigNotFound {
				cmd.Printf("failed to load config: %v\n", err)
				return
			}

			key := args[0]
			val := v.Get(key)
			if val == nil {
				cmd.Println("null")
				return
			}
			cmd.Printf("%v\n", val)
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Example: `  saltpeterd config set uiEndpoint.port 9000
  saltpeterd config set logging.pretty true`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := config.LoadViper()
			if err != nil && err != config.ErrConfigNotFound {
				cmd.Printf("failed to load config: %v\n", err)
				return
			}

			key := args[0]
			valStr := args[1]
			var val interface{} = valStr

			if vInt, convErr := strconv.Atoi(valStr); convErr == nil {
				val = vInt
			} else if vBool, convErr := strconv.ParseBool(valStr); convErr == nil {
				val = vBool
			} else if strings.HasPrefix(valStr, "[") || strings.HasPrefix(valStr, "{") {
				val = valStr
			}

			v.Set(key, val)

			if writeErr := v.WriteConfig(); writeErr != nil {
				target := v.ConfigFileUsed()
				if target == "" {
					target = config.ConfigPath()
				}
				if writeErr := v.WriteConfigAs(target); writeErr != nil {
					cmd.Printf("failed to write config: %v\n", writeErr)
					return
				}
			}

			cmd.Printf("updated %s = %v\n", key, val)
		},
	}
}
