package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jpbrule-del/overstory/internal/config"
	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/style"
	"github.com/jpbrule-del/overstory/internal/util"
)

var (
	initProject string
	initFormat  string
)

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	GroupID: GroupFleet,
	Short:   "Create the .overstory state directory",
	Long: `Create .overstory/ in the project root with a default configuration,
an empty session ledger and an empty merge queue.

Existing files are left alone, so init is safe to re-run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "Project name used in tmux session names (default: directory name)")
	initCmd.Flags().StringVar(&initFormat, "format", "toml", "Config file format: toml or yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	created, err := initInstallation(cmd.Context(), root, initProject, initFormat)
	if err != nil {
		return err
	}
	for _, p := range created {
		rel, _ := filepath.Rel(root, p)
		fmt.Printf("%s created %s\n", style.SuccessPrefix, rel)
	}
	if len(created) == 0 {
		fmt.Printf("%s %s already initialized\n", style.SuccessPrefix, root)
	}
	return nil
}

// initInstallation creates whatever part of the state directory is missing
// and returns the paths it created.
func initInstallation(ctx context.Context, root, project, format string) ([]string, error) {
	cfg := config.Default(root)
	if project != "" {
		cfg.Project = project
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var created []string
	for _, d := range []string{cfg.StateDir(), cfg.WorktreesDir(), cfg.StatePath(constants.DirLogs)} {
		if _, err := os.Stat(d); errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return created, err
			}
			created = append(created, d)
		}
	}

	tomlPath := cfg.StatePath(constants.FileConfigTOML)
	yamlPath := cfg.StatePath(constants.FileConfigYAML)
	if !exists(tomlPath) && !exists(yamlPath) {
		path, err := writeConfig(cfg, format)
		if err != nil {
			return created, err
		}
		created = append(created, path)
	}

	if !exists(cfg.LedgerPath()) {
		store, err := ledger.Open(ctx, cfg.LedgerPath())
		if err != nil {
			return created, err
		}
		if err := store.Close(); err != nil {
			return created, err
		}
		created = append(created, cfg.LedgerPath())
	}

	if !exists(cfg.MergeQueuePath()) {
		if err := util.AtomicWriteJSON(cfg.MergeQueuePath(), []any{}); err != nil {
			return created, err
		}
		created = append(created, cfg.MergeQueuePath())
	}
	return created, nil
}

func writeConfig(cfg *config.Config, format string) (string, error) {
	switch format {
	case "toml":
		path := cfg.StatePath(constants.FileConfigTOML)
		f, err := os.Create(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return path, toml.NewEncoder(f).Encode(cfg)
	case "yaml":
		path := cfg.StatePath(constants.FileConfigYAML)
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", err
		}
		return path, util.AtomicWriteFile(path, data, 0o644)
	default:
		return "", fmt.Errorf("unknown config format %q (want toml or yaml)", format)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
