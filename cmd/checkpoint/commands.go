package checkpoint

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vkvlabs/vKV/lib/dfs"
)

func runVersions(cmd *cobra.Command, _ []string) error {
	versions, err := mgr.Versions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("no committed versions")
		return nil
	}

	for _, v := range versions {
		md, err := mgr.ReadMetadata(v)
		if err != nil {
			return err
		}
		fmt.Printf("version=%-6d files=%-4d deltas=%-4d bytes=%-12d keys=%d\n",
			v, len(md.SstFiles), len(md.LogFiles), totalBytes(md), md.NumKeys)
	}
	return nil
}

func runLatest(cmd *cobra.Command, _ []string) error {
	latest, err := mgr.LatestVersion()
	if err != nil {
		return err
	}
	if latest == 0 {
		fmt.Println("no committed versions")
		return nil
	}
	fmt.Printf("latest=%d\n", latest)
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	retain := viper.GetInt("retain")
	if err := mgr.Cleanup(retain); err != nil {
		return err
	}

	versions, err := mgr.Versions()
	if err != nil {
		return err
	}
	fmt.Printf("cleanup done, %d versions retained\n", len(versions))
	return nil
}

// totalBytes sums the sizes of every file a version references
func totalBytes(md *dfs.CheckpointMetadata) int64 {
	var n int64
	for _, cf := range md.SstFiles {
		n += cf.SizeBytes
	}
	for _, cf := range md.LogFiles {
		n += cf.SizeBytes
	}
	return n
}
