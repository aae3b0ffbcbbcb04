package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailer/internal/credential"
	"github.com/nhle/mailer/internal/model"
)

// openResolver is replaced in tests.
var openResolver = credential.Open

func newSecretCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage account passwords stored in the OS keyring",
		Long: `Passwords stored here are referenced from the accounts table as
"keyring:<key>". The keyring backend must be enabled with
credentials.backend: keyring.`,
	}

	var value string
	setCmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a password (read from stdin unless --value is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := resolverFor(*configPath)
			if err != nil {
				return err
			}

			secret := value
			if secret == "" {
				secret, err = readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			if err := resolver.Set(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s%s\n", credential.RefPrefix, args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&value, "value", "", "Password value")

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := resolverFor(*configPath)
			if err != nil {
				return err
			}
			if err := resolver.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}

func resolverFor(configPath string) (*credential.Resolver, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	resolver, err := openResolver(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: set credentials.backend to %q", credential.ErrDisabled, credential.BackendKeyring)
	}
	return resolver, nil
}

// readSecret returns the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}

	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}
