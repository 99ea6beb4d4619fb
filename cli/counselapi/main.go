package main

import (
	"os"

	apicmder "github.com/counselhq/counsel/cmd/counsel/serve/api"
)

func main() {
	cmd := apicmder.NewAPICmd()
	cmd.Use = "counselapi"
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .counsel/ config directory")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
