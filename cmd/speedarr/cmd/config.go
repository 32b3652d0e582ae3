package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/speedarr/speedarr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for inspecting speedarr configuration.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration in YAML format, after defaults,
config file, environment variables, and flags have been merged.
Secrets (the Plex token, client passwords and API keys) are masked.

Environment variables use the SPEEDARR_ prefix and underscores for
nesting. Example: bandwidth.download.total_mbps ->
SPEEDARR_BANDWIDTH_DOWNLOAD_TOTAL_MBPS.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	masked := maskSecrets(*cfg)

	data, err := yaml.Marshal(toMap(masked))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# speedarr effective configuration")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("")
	fmt.Print(string(data))
	return nil
}

// maskSecrets blanks credential fields on a copy of the config.
func maskSecrets(c config.Config) config.Config {
	if c.Plex.Token != "" {
		c.Plex.Token = "***"
	}
	clients := make([]config.ClientConfig, len(c.Clients))
	copy(clients, c.Clients)
	for i := range clients {
		if clients[i].Password != "" {
			clients[i].Password = "***"
		}
		if clients[i].APIKey != "" {
			clients[i].APIKey = "***"
		}
	}
	c.Clients = clients
	return c
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// with durations rendered human-readable.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			switch field.Kind() {
			case reflect.Struct:
				result[key] = toMap(field.Interface())
			case reflect.Slice:
				items := make([]any, field.Len())
				for j := 0; j < field.Len(); j++ {
					if field.Index(j).Kind() == reflect.Struct {
						items[j] = toMap(field.Index(j).Interface())
					} else {
						items[j] = field.Index(j).Interface()
					}
				}
				result[key] = items
			default:
				result[key] = field.Interface()
			}
		}
	}
	return result
}
