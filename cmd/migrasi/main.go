package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ruangdeveloper/migrasi"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli, err := migrasi.NewCli(migrasi.CliConfig{
		CliName: "migrasi",
		Logger:  logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create cli")
	}

	if err := cli.Execute(ctx); err != nil {
		logger.WithError(err).Error("command failed")
		stop()
		os.Exit(1)
	}
}
