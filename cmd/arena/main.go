package main

import (
	"errors"
	"io/fs"
	"log"

	"arena/cmd/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	// A local .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
