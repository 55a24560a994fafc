package main

import (
	"os"

	"github.com/Anirudh-x/CyberForge-sub000/cmd"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
