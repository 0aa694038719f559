package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/routing"
)

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect routing configs",
	}
	cmd.AddCommand(routesValidateCmd())
	return cmd
}

func routesValidateCmd() *cobra.Command {
	var (
		appID string
		probe []string
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a routing config and print its ranked routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRoutingConfig(args[0])
			if err != nil {
				return err
			}
			table, err := routing.Compile(appID, cfg, routing.Options{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMETHOD\tPRIORITY\tMATCH\tTARGET")
			for _, r := range table.Routes() {
				method := r.Method
				if method == "" {
					method = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s %s\t%s\n",
					r.ID, r.Name, method, r.Priority, r.Match.Type, r.Match.Path, r.Target.Type)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			for _, p := range probe {
				method, path, ok := strings.Cut(p, " ")
				if !ok {
					method, path = "GET", p
				}
				res := table.Match(method, path)
				if !res.Matched() {
					fmt.Fprintf(out, "%s %s -> no match\n", method, path)
					continue
				}
				fmt.Fprintf(out, "%s %s -> %s (forward %s, params %v)\n",
					method, path, res.Route.ID, res.ForwardPath, res.Params)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&appID, "app", "", "App id used to derive route ids")
	cmd.Flags().StringArrayVar(&probe, "probe", nil, `Request to match, e.g. "POST /orders" (repeatable)`)
	return cmd
}

// loadRoutingConfig reads YAML, or JSON for .json files, into a RoutingConfig.
func loadRoutingConfig(path string) (*domain.RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	var cfg domain.RoutingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
