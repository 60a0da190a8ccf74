package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/config"
	"github.com/alexjbarnes/cmis-sync/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type statusReport struct {
	Database       string        `yaml:"database"`
	LocalDir       string        `yaml:"local_dir"`
	RemotePath     string        `yaml:"remote_path"`
	ChangeLogToken string        `yaml:"changelog_token,omitempty"`
	Folders        int           `yaml:"folders"`
	Files          int           `yaml:"files"`
	LocalSize      string        `yaml:"local_size"`
	Entries        []statusEntry `yaml:"entries,omitempty"`
}

type statusEntry struct {
	Path           string `yaml:"path"`
	Folder         bool   `yaml:"folder,omitempty"`
	ServerModified string `yaml:"server_modified"`
	Version        string `yaml:"version,omitempty"`
	Size           string `yaml:"size,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var entries bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the change log token and synchronized entries as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cache, err := state.OpenReadOnly(cfg.Database)
			if err != nil {
				return err
			}
			defer cache.Close()

			report, err := buildStatus(cfg, cache, entries)
			if err != nil {
				return err
			}

			return writeStatus(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVarP(&entries, "entries", "e", false, "list every synchronized entry")

	return cmd
}

func buildStatus(cfg *config.Config, cache *state.Cache, withEntries bool) (*statusReport, error) {
	token, _, err := cache.ChangeLogToken()
	if err != nil {
		return nil, err
	}

	records, err := cache.All()
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Database:       cfg.Database,
		LocalDir:       cfg.LocalDir,
		RemotePath:     cfg.RemotePath,
		ChangeLogToken: token,
	}

	var total uint64

	for _, r := range records {
		entry := statusEntry{
			Path:           r.Path,
			Folder:         r.Folder,
			ServerModified: r.ServerModified.Local().Format(time.DateTime),
		}

		if r.Folder {
			report.Folders++
		} else {
			report.Files++
			entry.Version = r.Metadata[state.MetaVersionLabel]

			if info, err := os.Stat(r.Path); err == nil {
				total += uint64(info.Size())
				entry.Size = humanize.Bytes(uint64(info.Size()))
			}
		}

		if withEntries {
			report.Entries = append(report.Entries, entry)
		}
	}

	report.LocalSize = humanize.Bytes(total)

	return report, nil
}

func writeStatus(w io.Writer, report *statusReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	return enc.Close()
}
