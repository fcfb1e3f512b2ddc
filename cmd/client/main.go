package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"conference-e2ee/client"
	"conference-e2ee/configs"
	"conference-e2ee/crypto/key_ed25519"
)

var logger = logrus.New()

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run main.go <room> <participantID>")
		return
	}
	room := os.Args[1]
	participantID := os.Args[2]

	// Per-participant env files keep demo identities stable across runs
	if err := godotenv.Load(".env." + participantID); err != nil {
		godotenv.Load(".env")
	}

	var identity *key_ed25519.Pair
	if hexKey := os.Getenv("IDENTITY_KEY"); hexKey != "" {
		priv, err := decodePrivateKey(hexKey)
		if err != nil {
			logger.Fatalf("Failed to decode IDENTITY_KEY: %v", err)
		}
		pub, err := priv.Public()
		if err != nil {
			logger.Fatalf("Failed to derive public key: %v", err)
		}
		identity = &key_ed25519.Pair{Priv: priv, Pub: pub}
	}

	rotateEvery := 5 * time.Minute
	if raw := os.Getenv("KEY_ROTATION_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.Fatalf("Failed to parse KEY_ROTATION_INTERVAL: %v", err)
		}
		rotateEvery = parsed
	}

	app := client.NewApp(configs.ServerAddress, room, participantID, identity, rotateEvery)
	if err := app.Run(); err != nil {
		logger.Fatalf("Error running client: %v", err)
	}

	logger.Info("Application exited.")
}

func decodePrivateKey(hexStr string) (key_ed25519.PrivateKey, error) {
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("decoded key is not 32 bytes long")
	}
	return key_ed25519.PrivateKey(decoded), nil
}
