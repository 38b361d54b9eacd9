// Package server wires the pieces into a running process: storage, the game
// runtime, the WebSocket gateway, and the SSH admin console.
package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/aspects"
	"github.com/silarsis/serverless-game-sub003/auth"
	"github.com/silarsis/serverless-game-sub003/console"
	"github.com/silarsis/serverless-game-sub003/game"
	"github.com/silarsis/serverless-game-sub003/pemfile"
	"github.com/silarsis/serverless-game-sub003/storage"
	"github.com/silarsis/serverless-game-sub003/web"
	"gopkg.in/natefinch/lumberjack.v2"

	gossh "golang.org/x/crypto/ssh"
)

type Config struct {
	Dir       string
	HTTPAddr  string
	SSHAddr   string
	JWTSecret string
	LogPath   string
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr: "127.0.0.1:8100",
		SSHAddr:  "127.0.0.1:8122",
	}
}

type Server struct {
	config  Config
	logger  *log.Logger
	store   *storage.Storage
	audit   *storage.AuditLogger
	game    *game.Game
	gateway *web.Gateway
	console *console.Console
	signer  gossh.Signer
}

func New(config Config) (*Server, error) {
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, sgame.WithStack(err)
	}

	logger := log.Default()
	if config.LogPath != "" {
		logger = log.New(&lumberjack.Logger{
			Filename:   config.LogPath,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		}, "", log.LstdFlags)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, config.Dir)
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	audit, err := storage.OpenAudit(filepath.Join(config.Dir, "audit.log"))
	if err != nil {
		return nil, sgame.WithStack(err)
	}

	g, err := game.New(ctx, store, logger, audit)
	if err != nil {
		return nil, sgame.WithStack(err)
	}
	if err := aspects.Register(g); err != nil {
		return nil, sgame.WithStack(err)
	}

	verifier := auth.NewJWTVerifier([]byte(config.JWTSecret), store)

	signer, _, err := pemfile.EnsureSigner(
		filepath.Join(config.Dir, "private.pem"),
		filepath.Join(config.Dir, "public.pem"),
	)
	if err != nil {
		return nil, sgame.WithStack(err)
	}

	return &Server{
		config:  config,
		logger:  logger,
		store:   store,
		audit:   audit,
		game:    g,
		gateway: web.NewGateway(g, verifier, logger),
		console: console.New(g, audit, logger),
		signer:  signer,
	}, nil
}

func (s *Server) Game() *game.Game {
	return s.game
}

// Start runs the deferred-delivery loop, the HTTP gateway, and the SSH
// console until ctx is cancelled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Addr:    s.config.HTTPAddr,
		Handler: s.gateway.Handler(),
	}
	sshServer := s.console.Server(s.config.SSHAddr, s.signer)

	errs := make(chan error, 3)
	go func() {
		errs <- s.game.Start(ctx)
	}()
	go func() {
		s.logger.Printf("gateway listening on %s", s.config.HTTPAddr)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		s.logger.Printf("console listening on %s with host key %s",
			s.config.SSHAddr, gossh.FingerprintSHA256(s.signer.PublicKey()))
		errs <- sshServer.ListenAndServe()
	}()

	var result error
	select {
	case <-ctx.Done():
	case result = <-errs:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("shutting down gateway: %v", err)
	}
	if err := sshServer.Close(); err != nil {
		s.logger.Printf("shutting down console: %v", err)
	}
	if err := s.game.Stop(); err != nil {
		s.logger.Printf("stopping game: %v", err)
	}
	s.game.Drain()
	if err := s.store.Close(); err != nil {
		s.logger.Printf("closing storage: %v", err)
	}
	if err := s.audit.Close(); err != nil {
		s.logger.Printf("closing audit log: %v", err)
	}
	return sgame.WithStack(result)
}
