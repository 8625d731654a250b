package pii

import (
	"context"
	"fmt"
	"time"
)

const (
	DetectorNameAPI = "api_detector"
)

type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

type NewDetectorFunc func(config map[string]interface{}) (Detector, error)

var detectorFactories = make(map[string]NewDetectorFunc)

func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	detectorFactories[name] = factory
}

func NewDetector(name string, config map[string]interface{}) (Detector, error) {
	factory, ok := detectorFactories[name]
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(config)
}

func init() {
	RegisterDetectorFactory(DetectorNameAPI, func(config map[string]interface{}) (Detector, error) {
		baseURL, ok := config["base_url"].(string)
		if !ok || baseURL == "" {
			return nil, fmt.Errorf("base_url is required for api detector")
		}
		apiKey, ok := config["api_key"].(string)
		if !ok || apiKey == "" {
			return nil, fmt.Errorf("api_key is required for api detector")
		}

		opts := APIDetectorOptions{BaseURL: baseURL, APIKey: apiKey}
		if path, ok := config["path"].(string); ok {
			opts.Path = path
		}
		if header, ok := config["api_key_header"].(string); ok {
			opts.APIKeyHeader = header
		}
		if timeout, ok := config["timeout"].(time.Duration); ok {
			opts.Timeout = timeout
		}
		if rps, ok := config["rate_limit"].(float64); ok {
			opts.RateLimit = rps
		}
		if burst, ok := config["rate_burst"].(int); ok {
			opts.RateBurst = burst
		}
		return NewAPIDetector(opts), nil
	})
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
