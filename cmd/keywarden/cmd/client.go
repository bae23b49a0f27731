package cmd

import (
	"os"

	"github.com/spf13/cobra"

	keywarden "github.com/keywarden/keywarden/sdks/go"
)

// Flags shared by the commands that talk to a running server.
var (
	clientServerAddr string
	clientAdminKey   string
)

// registerClientFlags adds the server connection flags to a command.
func registerClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientServerAddr, "server-addr", "", "Server address (default KEYWARDEN_SERVER_ADDR or http://127.0.0.1:8080)")
	cmd.Flags().StringVar(&clientAdminKey, "admin-key", "", "Admin API key (default KEYWARDEN_ADMIN_KEY)")
}

// newAdminClient builds an SDK client from the connection flags,
// falling back to the KEYWARDEN_* environment variables and finally
// the default local server address.
func newAdminClient() *keywarden.Client {
	addr := clientServerAddr
	if addr == "" {
		addr = os.Getenv("KEYWARDEN_SERVER_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8080"
	}
	opts := []keywarden.Option{keywarden.WithServerAddr(addr)}
	if clientAdminKey != "" {
		opts = append(opts, keywarden.WithAdminKey(clientAdminKey))
	}
	return keywarden.NewClient(opts...)
}
