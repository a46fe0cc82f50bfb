package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/cmiscopy/internal/config"
	"github.com/fruitsalade/cmiscopy/internal/registry"
)

func newRegistryCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the version registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List node ids and their last synced version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, _, err := loadRegistry(cmd, v)
			if err != nil {
				return err
			}
			return writeTable(cmd.OutOrStdout(), entries)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the registry as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, cfg, err := loadRegistry(cmd, v)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), exportDoc{
				Driver:     cfg.RegistryDriver,
				Source:     cfg.RegistryDSN,
				ExportedAt: time.Now().UTC(),
				Versions:   entries,
			})
		},
	})
	return cmd
}

func loadRegistry(cmd *cobra.Command, v *viper.Viper) (map[string]string, *config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Open(cmd.Context(), cfg.RegistryDriver, cfg.RegistryDSN, registry.WithNamespace(cfg.RegistryNamespace))
	if err != nil {
		return nil, nil, err
	}
	defer reg.Close()
	return reg.Entries(), cfg, nil
}

type exportDoc struct {
	Driver     string            `yaml:"driver"`
	Source     string            `yaml:"source"`
	ExportedAt time.Time         `yaml:"exported_at"`
	Versions   map[string]string `yaml:"versions"`
}

func writeYAML(w io.Writer, doc exportDoc) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return enc.Close()
}

func writeTable(w io.Writer, entries map[string]string) error {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tVERSION")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%s\n", id, entries[id])
	}
	return tw.Flush()
}
