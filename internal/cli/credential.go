package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/config"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the reasoning-service credential",
	Long: `The key is stored in <home>/.env. STEWARD_API_KEY or ANTHROPIC_API_KEY in
the environment take precedence. A running steward picks up changes to the
file without a restart.`,
}

// readKey takes the key from args or, when absent, the first line of stdin.
func readKey(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no key given; pass it as an argument or on stdin")
	}
	return key, nil
}

var credentialSetCmd = &cobra.Command{
	Use:   "set [key]",
	Short: "Store the credential (reads stdin when no key is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readKey(cmd, args)
		if err != nil {
			return err
		}
		creds := config.DefaultCredentials()
		if err := creds.Set(key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored credential %s in %s\n", config.Mask(key), creds.Path)
		return nil
	},
}

var credentialRotateCmd = &cobra.Command{
	Use:   "rotate [key]",
	Short: "Replace the stored credential",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readKey(cmd, args)
		if err != nil {
			return err
		}
		creds := config.DefaultCredentials()
		if err := creds.Rotate(key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rotated credential to %s\n", config.Mask(key))
		return nil
	},
}

var credentialShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the masked credential and where it comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds := config.DefaultCredentials()
		key, source, err := creds.APIKey()
		if errors.Is(err, config.ErrNoCredential) {
			fmt.Fprintln(cmd.OutOrStdout(), "No credential configured; decisions will be rule-based.")
			return nil
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Key:      %s\n", config.Mask(key))
		fmt.Fprintf(out, "Source:   %s\n", source)
		if t := creds.RotatedAt(); !t.IsZero() {
			fmt.Fprintf(out, "Rotated:  %s\n", t.Local().Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialRotateCmd)
	credentialCmd.AddCommand(credentialShowCmd)
}
