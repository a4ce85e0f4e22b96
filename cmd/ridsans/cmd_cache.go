package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ridsans/pkg/workspace"
)

var (
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the result cache",
	}

	cacheListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the measurements with cached results",
		Args:  cobra.NoArgs,
		RunE:  runCacheList,
	}

	cacheDeleteCmd = &cobra.Command{
		Use:   "delete NAME...",
		Short: "Delete the cached results of measurements",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCacheDelete,
	}
)

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheDir, "cache", "", "Result cache directory (default from configuration)")
	cacheCmd.AddCommand(cacheListCmd, cacheDeleteCmd)
}

func openCache() (*workspace.Store, error) {
	dir := cacheDir
	if dir == "" {
		dir = cfg.Output.CacheDir
	}
	if dir == "" {
		return nil, fmt.Errorf("no cache directory configured")
	}
	return workspace.OpenStore(dir, logger)
}

func runCacheList(cmd *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.Names(cmd.Context())
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

func runCacheDelete(cmd *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, name := range args {
		n, err := store.Delete(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d results deleted\n", name, n)
	}
	return nil
}
