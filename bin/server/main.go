package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/silarsis/serverless-game-sub003/server"
)

func main() {
	config := server.DefaultConfig()

	flag.StringVar(&config.HTTPAddr, "http", config.HTTPAddr, "Where to listen for WebSocket connections.")
	flag.StringVar(&config.SSHAddr, "ssh", config.SSHAddr, "Where to listen for admin SSH connections.")
	flag.StringVar(&config.Dir, "dir", filepath.Join(os.Getenv("HOME"), ".sgame"), "Where to save databases and settings.")
	flag.StringVar(&config.JWTSecret, "secret", os.Getenv("SGAME_SECRET"), "HMAC secret for client tokens.")
	flag.StringVar(&config.LogPath, "log", "", "Log file path; empty logs to stderr.")

	flag.Parse()

	if config.JWTSecret == "" {
		log.Fatal("a token secret is required (-secret or SGAME_SECRET)")
	}

	srv, err := server.New(config)
	if err != nil {
		log.Fatal(err)
	}

	log.Fatal(srv.Start(context.Background()))
}
