package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisid/op/pkg/authserver/server/keys"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the signing key ring",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysRotateCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var algorithm, secret string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a standalone signing key and print its public JWKS",
		Long: `generate builds a throwaway keys.Store, seeds it with one active
key, and prints the resulting JWKS document to stdout. It is meant for
bootstrapping a development KEY_MANAGER_SECRET, not for talking to a
running server — use "keys rotate" for that.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			bearer := []byte(secret)
			store := keys.NewStore(bearer, algorithm)
			kid, err := store.Rotate(bearer, keys.ReasonScheduled)
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(store.GetJWKS()); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "generated key %s (algorithm %s)\n", kid, algorithm)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "RS256", "signing algorithm (RS256 or ES256)")
	cmd.Flags().StringVar(&secret, "secret", "", "KEY_MANAGER_SECRET to seed the throwaway store with")
	return cmd
}

func newKeysRotateCmd() *cobra.Command {
	var serverAddr, secret, reason string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Trigger a signing key rotation on a running opd server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := fmt.Sprintf("%s/admin/keys/rotate?reason=%s", serverAddr, reason)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(nil))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+secret)

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("calling %s: %w", serverAddr, err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("rotate failed (%s): %s", resp.Status, string(body))
			}
			fmt.Fprintln(os.Stdout, string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "https://localhost:8443", "base URL of the running opd server")
	cmd.Flags().StringVar(&secret, "secret", "", "KEY_MANAGER_SECRET bearer credential")
	cmd.Flags().StringVar(&reason, "reason", "scheduled", "scheduled or emergency")
	return cmd
}
