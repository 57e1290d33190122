package util

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vkvlabs/vKV/lib/dfs"
	"github.com/vkvlabs/vKV/lib/store"
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

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("vkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// SetupCheckpointFlags adds the flags identifying one store instance's
// checkpoint directory to a command
func SetupCheckpointFlags(cmd *cobra.Command) {
	key := "checkpoint-dir"
	cmd.PersistentFlags().String(key, "", WrapString("Root directory of the checkpoint store"))

	key = "store"
	cmd.PersistentFlags().String(key, "default", WrapString("Name of the store instance"))

	key = "partition"
	cmd.PersistentFlags().Int(key, 0, WrapString("Partition index of the store instance"))
}

// GetStoreId reads the instance identity from viper
func GetStoreId() (store.StoreId, error) {
	root := viper.GetString("checkpoint-dir")
	if root == "" {
		return store.StoreId{}, fmt.Errorf("--checkpoint-dir is required (or set VKV_CHECKPOINT_DIR)")
	}
	return store.StoreId{
		RootPath:       root,
		StoreName:      viper.GetString("store"),
		PartitionIndex: viper.GetInt("partition"),
	}, nil
}

// NewCheckpointManager creates a file manager for the configured instance's
// checkpoint directory on the OS filesystem
func NewCheckpointManager() (*dfs.Manager, error) {
	id, err := GetStoreId()
	if err != nil {
		return nil, err
	}
	fs := afero.NewOsFs()
	return dfs.NewManager(fs, fs, id.RemoteRoot()), nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
