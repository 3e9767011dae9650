// Command opd runs the multi-tenant OpenID Connect / OAuth 2.0 provider.
package main

import (
	"fmt"
	"os"

	"github.com/aegisid/op/cmd/opd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "opd: %v\n", err)
		os.Exit(1)
	}
}
