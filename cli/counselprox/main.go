package main

import (
	"fmt"
	"os"

	proxycmder "github.com/counselhq/counsel/cmd/counsel/serve/proxy"
)

func main() {
	cmd := proxycmder.NewProxyCmd()
	cmd.Use = "counselprox"
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .counsel/ config directory")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
