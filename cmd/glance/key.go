package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/glance/internal/keyring"
)

var knownProviders = []string{"openai", "anthropic"}

// KeyCmd creates the API key management command
func KeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Store provider API keys in the OS keychain",
		Long: `API keys are looked up in this order: provider.api_key in config.yaml,
the <PROVIDER>_API_KEY environment variable, then the OS keychain.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [provider] [key]",
		Short: "Store a key (reads it from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := providerArg(args[0])
			if err != nil {
				return err
			}
			var key string
			if len(args) == 2 {
				key = args[1]
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "Enter %s API key: ", provider)
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("key is empty")
			}
			if err := keyring.Set(provider, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s API key in the keychain\n", provider)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [provider]",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := providerArg(args[0])
			if err != nil {
				return err
			}
			if err := keyring.Delete(provider); err != nil {
				if errors.Is(err, keyring.ErrNotFound) {
					return fmt.Errorf("no %s key stored", provider)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s API key\n", provider)
			return nil
		},
	})

	return cmd
}

func providerArg(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range knownProviders {
		if s == p {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q (expected one of: %s)", s, strings.Join(knownProviders, ", "))
}
