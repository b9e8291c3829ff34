package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elnosh/fiatnuts/mint"
	"github.com/elnosh/fiatnuts/mint/manager"
	"github.com/joho/godotenv"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("error loading .env file")
	}

	mintConfig, err := mint.GetConfig()
	if err != nil {
		log.Fatalf("error reading mint config: %v", err)
	}

	m, err := mint.LoadMint(mintConfig)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}
	defer m.Shutdown()

	mintServer := mint.SetupMintServer(m, mintConfig.Port)
	adminServer, err := manager.SetupServer(m, mintConfig.AdminAddr)
	if err != nil {
		log.Fatalf("error setting up admin server: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		errs <- mintServer.Start()
	}()
	go func() {
		log.Printf("admin server listening on: %v", mintConfig.AdminAddr)
		errs <- adminServer.Start()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	case <-signals:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mintServer.Shutdown(ctx); err != nil {
		log.Printf("error shutting down mint server: %v", err)
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		log.Printf("error shutting down admin server: %v", err)
	}
}
