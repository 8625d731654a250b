package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Credentials is the on-disk credentials file: where the detection service
// lives and the key to present to it.
type Credentials struct {
	DetectionEndpoint string `json:"detectionEndpoint,omitempty"`
	APIKey            string `json:"apiKey"`
}

// ReadCredentials reads and validates a credentials file
// Returns an error if the file doesn't exist, is invalid JSON, or apiKey is missing
func ReadCredentials(path string) (Credentials, error) {
	if path == "" {
		return Credentials{}, fmt.Errorf("credentials path is not configured")
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Credentials{}, fmt.Errorf("credentials file does not exist: %s", path)
	}

	// #nosec G304 - credentials path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if creds.APIKey == "" {
		return Credentials{}, fmt.Errorf("apiKey is not set in credentials file")
	}

	if creds.DetectionEndpoint != "" {
		if _, err := url.Parse(creds.DetectionEndpoint); err != nil {
			return Credentials{}, fmt.Errorf("invalid detectionEndpoint URL format: %w", err)
		}
	}

	return creds, nil
}

// ApplyCredentials copies credentials onto cfg
func (c *Config) ApplyCredentials(creds Credentials) {
	c.Detection.APIKey = creds.APIKey
	if creds.DetectionEndpoint != "" {
		c.Detection.BaseURL = creds.DetectionEndpoint
	}
}
