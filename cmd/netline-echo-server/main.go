// Command netline-echo-server is a minimal demonstration of netserver: it
// accepts every connection and echoes every msgEcho message it receives
// back to whichever Connection sent it; messages with other IDs are ignored.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelnet/netline"
	"github.com/kestrelnet/netline/conn"
	"github.com/kestrelnet/netline/internal/logger"
	"github.com/kestrelnet/netline/netserver"
)

// echoMsgID is the demo's message discriminant. A real application would
// define its own MessageID enum the same way.
type echoMsgID uint32

const msgEcho echoMsgID = 0

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		logger.Warn("invalid log level, using default", "requested", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	server := netserver.New(netserver.Config{ListenAddr: cfg.listenAddr}, netserver.Handlers[echoMsgID]{
		OnClientConnect: func(c *conn.Connection[echoMsgID]) bool { return true },
		OnClientValidated: func(c *conn.Connection[echoMsgID]) {
			log.Info("client validated", "conn_id", c.GetID())
		},
		OnClientDisconnect: func(c *conn.Connection[echoMsgID]) {
			log.Info("client disconnected", "conn_id", c.GetID())
		},
		OnMessage: func(owned netline.OwnedMessage[echoMsgID]) {
			if owned.Msg.Header.ID == msgEcho && owned.Remote != nil {
				owned.Remote.Send(owned.Msg)
			}
		},
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	log.Info("server started", "addr", server.Addr().String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updateDone := make(chan struct{})
	go func() {
		defer close(updateDone)
		for {
			if err := server.Update(ctx, 64, true); err != nil {
				return
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopDone := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(stopDone)
	}()

	select {
	case <-stopDone:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
	<-updateDone
}
