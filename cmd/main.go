package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"roomcontrol/internal/api"
	"roomcontrol/internal/clock"
	"roomcontrol/internal/config"
	"roomcontrol/internal/ha"
	"roomcontrol/internal/mqtt"
	"roomcontrol/internal/room"
	"roomcontrol/internal/schedule"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "rooms.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load rooms config",
			zap.String("path", configPath),
			zap.Error(err))
	}

	logger.Info("Starting Room Control",
		zap.String("url", haURL),
		zap.String("config", configPath),
		zap.Int("rooms", len(cfg.Rooms)),
		zap.Bool("read_only", readOnly))

	// Connect to Home Assistant
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	// Connect to the MQTT broker when configured; rooms with button or
	// occupancy-topic bindings need it.
	var bus mqtt.Subscriber
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		mqttClient, err := mqtt.NewClient(mqtt.Config{
			Broker:   broker,
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
			ClientID: "roomcontrol",
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer mqttClient.Disconnect()
		bus = mqttClient
	} else {
		logger.Warn("MQTT_BROKER not set, button and occupancy topics disabled")
	}

	realClock := clock.NewRealClock()
	solar := schedule.NewObserver(cfg.Latitude, cfg.Longitude)

	// Build and start a controller per room
	controllers := make(map[string]*room.Controller, len(cfg.Rooms))
	for name, roomCfg := range cfg.Rooms {
		controller, err := room.NewController(name, roomCfg, client, realClock, solar, bus, readOnly, logger)
		if err != nil {
			logger.Fatal("Failed to build room controller",
				zap.String("room", name),
				zap.Error(err))
		}
		if err := controller.Start(); err != nil {
			logger.Fatal("Failed to start room controller",
				zap.String("room", name),
				zap.Error(err))
		}
		controllers[name] = controller
	}
	defer func() {
		for _, controller := range controllers {
			controller.Stop()
		}
	}()

	// Status and metrics server
	apiPort := 8081
	if raw := os.Getenv("API_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			logger.Fatal("Invalid API_PORT", zap.String("value", raw), zap.Error(err))
		}
		apiPort = port
	}

	apiServer := api.NewServer(controllers, logger, apiPort)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer apiServer.Stop()

	if readOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
}
