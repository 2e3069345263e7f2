package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	gwbackend "github.com/brocaar/chirpstack-end-device/internal/backend/gateway"
	"github.com/brocaar/chirpstack-end-device/internal/backend/gateway/amqp"
	"github.com/brocaar/chirpstack-end-device/internal/backend/gateway/mqtt"
	"github.com/brocaar/chirpstack-end-device/internal/band"
	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/chirpstack-end-device/internal/device"
	"github.com/brocaar/chirpstack-end-device/internal/mac/softmac"
	"github.com/brocaar/chirpstack-end-device/internal/monitoring"
	"github.com/brocaar/chirpstack-end-device/internal/session"
	"github.com/brocaar/chirpstack-end-device/internal/storage"
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setSyslog,
		setupBand,
		printStartMessage,
		setupStorage,
		setupMonitoring,
		setGatewayBackend,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	engine := softmac.New(softmac.NewConfig(config.C), gwbackend.Backend(), storage.Store())

	devConf, err := device.NewConfig(config.C)
	if err != nil {
		log.Fatal(err)
	}

	d := device.New(devConf, engine, session.NewConfig(config.C), session.Callbacks{
		OnJoinSuccess: func() {
			log.WithField("dev_eui", config.C.Device.DevEUI).Info("device joined")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received")
	case err := <-errChan:
		if err != nil {
			log.WithError(err).Error("device loop error")
		}
	}

	log.Warning("stopping chirpstack-end-device")
	cancel()

	exitChan := make(chan struct{})
	go func() {
		if err := engine.Close(); err != nil {
			log.WithError(err).Error("close mac engine error")
		}
		if err := gwbackend.Backend().Close(); err != nil {
			log.WithError(err).Error("close gateway backend error")
		}
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version":    version,
		"dev_eui":    config.C.Device.DevEUI,
		"gateway_id": config.C.Gateway.GatewayID,
		"band":       config.C.LoRaWAN.Band.Name,
		"otaa":       config.C.Device.OTAA,
		"class":      config.C.Device.Class,
	}).Info("starting ChirpStack End Device")
	return nil
}

func setupBand() error {
	if err := band.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup band error")
	}
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setGatewayBackend() error {
	var err error
	var gw gwbackend.Gateway

	switch config.C.Gateway.Backend.Type {
	case "mqtt":
		gw, err = mqtt.NewBackend(config.C)
	case "amqp":
		gw, err = amqp.NewBackend(config.C)
	default:
		return fmt.Errorf("unexpected gateway backend type: %s", config.C.Gateway.Backend.Type)
	}

	if err != nil {
		return errors.Wrap(err, "gateway-backend setup failed")
	}

	gwbackend.SetBackend(gw)
	return nil
}
