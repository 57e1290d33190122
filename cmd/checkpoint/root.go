package checkpoint

import (
	"github.com/spf13/cobra"
	"github.com/vkvlabs/vKV/cmd/util"
	"github.com/vkvlabs/vKV/lib/dfs"
)

var (
	mgr *dfs.Manager

	// VersionsCmd lists the committed versions of one instance
	VersionsCmd = &cobra.Command{
		Use:               "versions",
		Short:             "List all committed checkpoint versions of a store instance",
		PersistentPreRunE: setupManager,
		RunE:              runVersions,
	}

	// LatestCmd prints the newest committed version
	LatestCmd = &cobra.Command{
		Use:               "latest",
		Short:             "Print the latest committed checkpoint version of a store instance",
		PersistentPreRunE: setupManager,
		RunE:              runLatest,
	}

	// CleanupCmd applies the retention window
	CleanupCmd = &cobra.Command{
		Use:               "cleanup",
		Short:             "Delete checkpoint versions outside the retention window",
		PersistentPreRunE: setupManager,
		RunE:              runCleanup,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Every command addresses one store instance's checkpoint directory
	for _, cmd := range []*cobra.Command{VersionsCmd, LatestCmd, CleanupCmd} {
		util.SetupCheckpointFlags(cmd)
	}

	CleanupCmd.PersistentFlags().Int("retain", 100, util.WrapString("How many of the most recent versions to keep loadable"))
}

// setupManager initializes the checkpoint file manager
func setupManager(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	mgr, err = util.NewCheckpointManager()
	return err
}
