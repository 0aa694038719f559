package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/orbit/internal/auth"
)

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for ApiKey authentication schemes",
	}

	var prefix string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key and the hash to store in an ApiKey scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, err := auth.GenerateAPIKey(prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:    %s\n", key)
			fmt.Fprintf(out, "hash:   %s\n", hash)
			fmt.Fprintf(out, "prefix: %s\n", prefix)
			return nil
		},
	}
	generate.Flags().StringVar(&prefix, "prefix", "sk_live_", "Visible key prefix")

	var key string
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Print the stored hash of an existing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashAPIKey(key))
			return nil
		},
	}
	hash.Flags().StringVar(&key, "key", "", "API key to hash")

	cmd.AddCommand(generate, hash)
	return cmd
}
