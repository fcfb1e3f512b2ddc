package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"conference-e2ee/configs"
	"conference-e2ee/server"
)

var (
	logger = logrus.New()
)

// Main function to start the signaling relay
func main() {
	s := server.NewServer(
		context.Background(),
		redis.NewClient(&redis.Options{Addr: configs.RedisAddress}),
		logger,
	)
	defer s.Close()

	r := mux.NewRouter() // Using gorilla/mux for more flexible routing
	r.HandleFunc(configs.RoomsPath+"/{room}"+configs.WebSocketPath, s.HandleConnections)
	r.HandleFunc(configs.RoomsPath+"/{room}/participants", s.HandleGetParticipants).Methods(http.MethodGet)

	logger.Infof("Signaling server running on ws://%s%s/{room}%s", configs.ServerAddress, configs.RoomsPath, configs.WebSocketPath)
	if err := http.ListenAndServe(configs.ServerAddress, r); err != nil {
		logger.Fatalf("Error starting server: %v", err)
	}

	logger.Info("Closing server...")
}
