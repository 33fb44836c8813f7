// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oapdf/harvester/pkg/harvester"
)

const defaultConfigPath = "./config.json"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
		out     string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file (default ./config.json).

Set data_path before harvesting; it is the only required key. Setting
bucket_name switches artifact storage from the local sharded hierarchy
to an S3 bucket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				path = defaultConfigPath
				if useYAML {
					path = "./config.yaml"
				}
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", path)
			}

			cfg := harvester.DefaultConfig()
			var (
				data []byte
				err  error
			)
			if useYAML || strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
				data, err = yaml.Marshal(cfg)
			} else {
				data, err = json.MarshalIndent(cfg, "", "  ")
			}
			if err != nil {
				return err
			}

			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			fmt.Printf("created config file: %s\n", path)
			fmt.Println("edit data_path (required) and, for S3 uploads, bucket_name")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Create YAML config instead of JSON")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Where to write the config file")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err != nil {
				fmt.Println("No config file found.")
				fmt.Printf("Run 'oaharvester config init' to create one at:\n  %s\n", defaultConfigPath)
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			fmt.Printf("Config file: %s\n\n", path)
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "config", defaultConfigPath, "Path to the config file")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the default config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(defaultConfigPath)
		},
	}
}
