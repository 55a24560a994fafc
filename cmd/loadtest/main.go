package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/loadtest"
)

func main() {
	var cfg loadtest.Config

	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "Orchestrator base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT secret (defaults to JWT_SECRET env var)")
	flag.StringVar(&cfg.Domain, "domain", "web", "Machine domain")
	flag.StringVar(&cfg.ModulesCSV, "modules", "sql-injection", "Comma-separated module ids")
	flag.StringVar(&cfg.Role, "role", "user", "JWT role claim")
	flag.IntVar(&cfg.Users, "users", 100, "Number of users to simulate")
	flag.IntVar(&cfg.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", "user-", "User ID prefix")
	flag.IntVar(&cfg.UserStart, "user-start", 1, "First user number")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 20*time.Second, "HTTP request timeout")
	flag.BoolVar(&cfg.InsecureTLS, "insecure", false, "Skip TLS verification")
	flag.StringVar(&cfg.PhasesCSV, "phases", "create,status,delete", "Comma-separated phases: create,status,delete")

	flag.Parse()

	if err := loadtest.Run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest error: %v\n", err)
		os.Exit(1)
	}
}
