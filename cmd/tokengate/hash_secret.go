package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/tokengate/internal/auth"
)

func newHashSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a client secret for the clients file",
		Long:  "Read a client secret from stdin and print the hash to use as client_secret_hash.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter secret: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return fmt.Errorf("no input")
			}

			secret := strings.TrimRight(scanner.Text(), "\r")
			if len(secret) < auth.MinSecretLen {
				return fmt.Errorf("secret must be at least %d characters", auth.MinSecretLen)
			}

			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr())
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)

			return err
		},
	}
}
