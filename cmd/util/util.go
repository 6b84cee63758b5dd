package util

import (
	"fmt"
	"github.com/ValentinKolb/locktree/lib/common"
	"github.com/ValentinKolb/locktree/lib/locktree"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
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

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupManagerFlags adds the lock manager flags to a command
func SetupManagerFlags(cmd *cobra.Command) {
	def := common.DefaultManagerConfig()

	key := "max-lock-memory"
	cmd.PersistentFlags().String(key, "64MiB", WrapString("Lock memory budget shared by all locktrees (e.g. 512KiB, 64MiB)"))

	key = "lock-wait-time"
	cmd.PersistentFlags().Uint64(key, def.LockWaitTimeMs, WrapString("How long a lock request waits for conflicting locks (in milliseconds)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, def.LogLevel, WrapString("Log level (debug, info, warn, error)"))

	key = "log-levels"
	cmd.PersistentFlags().String(key, "", WrapString("Per package log levels overriding --log-level (e.g. locktree=debug,lockmgr=warn)"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("locktree")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetManagerConfig reads the lock manager configuration from viper
func GetManagerConfig() (*common.ManagerConfig, error) {
	maxMemory, err := common.ParseMemorySize(viper.GetString("max-lock-memory"))
	if err != nil {
		return nil, err
	}
	conf := &common.ManagerConfig{
		MaxLockMemory:  maxMemory,
		LockWaitTimeMs: viper.GetUint64("lock-wait-time"),
		LogLevel:       viper.GetString("log-level"),
		LogLevels:      viper.GetString("log-levels"),
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return conf, nil
}

// NewManager creates a lock manager from the viper configuration and
// initializes the loggers with the configured level
func NewManager() (*locktree.Manager, *common.ManagerConfig, error) {
	conf, err := GetManagerConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := common.InitLoggers(conf); err != nil {
		return nil, nil, err
	}
	return locktree.NewManager(conf.ToManagerOptions()), conf, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}
