package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== relia Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Shared secret
	fmt.Println("Gateway shared secret (clients must present it to connect):")
	for {
		fmt.Print("Shared secret (press Enter to generate one): ")
		secret, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if secret == "" {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return nil, fmt.Errorf("failed to generate secret: %w", err)
			}
			secret = hex.EncodeToString(raw)
			fmt.Printf("Generated secret: %s\n", secret)
		}

		if err := validator.ValidateSharedSecret(secret); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Gateway.SharedSecret = secret
		break
	}

	fmt.Println()

	// Gateway port
	for {
		fmt.Print("Gateway port [8080]: ")
		raw, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if raw == "" {
			break
		}

		port, err := strconv.Atoi(raw)
		if err != nil {
			fmt.Println("Error: port must be a number")
			continue
		}
		if err := validator.ValidatePort(port); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Gateway.Port = port
		break
	}

	fmt.Println()

	// Retry policy
	for {
		fmt.Print("Max delivery retries [5]: ")
		raw, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if raw == "" {
			break
		}

		retries, err := strconv.Atoi(raw)
		if err != nil || retries <= 0 {
			fmt.Println("Error: max retries must be a positive number")
			continue
		}

		cfg.Delivery.MaxRetries = retries
		break
	}

	fmt.Println()

	// Log level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
