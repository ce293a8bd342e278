package main

import (
	"log"

	"github.com/m3rciful/policybot/core/cmd"
	"github.com/m3rciful/policybot/internal/app"
)

func main() {
	err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "POLICYBOT_CONFIG",
		DefaultConfigPath: "config.yaml",
		WatchConfig:       true,
		LoadConfig:        app.LoadConfig,
		Bootstrap:         app.Bootstrap,
	})
	if err != nil {
		log.Fatal(err)
	}
}
