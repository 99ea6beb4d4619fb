package main

import (
	"os"

	counselcmder "github.com/counselhq/counsel/cmd/counsel"
)

func main() {
	cmd := counselcmder.NewCounselCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
