package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/config"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/session"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/bathycat/config.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("bathycat starting config=%s", configPath)

	o := session.New(cfg, nil)
	if err := o.Run(ctx); err != nil {
		log.Fatalf("session ended: %v", err)
	}
	log.Printf("bathycat stopped")
}
