package main

import (
	"os"
	"testing"

	"github.com/joho/godotenv"
)

// TestMain loads .env if available so local API keys reach the tests
func TestMain(m *testing.M) {
	// Ignore a missing .env (CI environment)
	_ = godotenv.Load()

	os.Exit(m.Run())
}
