package util

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aspenkv/aspen/lib/engine"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the storage engine flags to a command
func SetupEngineFlags(cmd *cobra.Command) {
	key := "page-size"
	cmd.PersistentFlags().Int(key, engine.DefaultPageSize, WrapString("Size of one pool page in bytes (power of two)"))

	key = "pool-pages"
	cmd.PersistentFlags().Int(key, engine.DefaultPoolPages, WrapString("Total number of pages in the pool"))

	key = "gc-interval-secs"
	cmd.PersistentFlags().Int(key, engine.DefaultGCIntervalSecs, WrapString("Seconds between garbage collector passes"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("aspen")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() (engine.Config, error) {
	cfg := engine.Config{
		PageSize:       viper.GetInt("page-size"),
		PoolPages:      viper.GetInt("pool-pages"),
		GCIntervalSecs: viper.GetInt("gc-interval-secs"),
	}
	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
