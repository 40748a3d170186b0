package main

import (
	"autoria-ingest/cmd"
	"autoria-ingest/utils"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		utils.Error("%v", err)
		utils.Sync()
		os.Exit(1)
	}
}
