package broker

import "time"

// Config holds the broker's startup parameters, one field per CLI flag.
type Config struct {
	Host           string
	Port           int
	TLSCertPath    string
	TLSKeyPath     string
	TokenTTL       time.Duration
	AllowInsecure  bool
	RoomTimeout    time.Duration
	AllowedOrigins []string
	EnableQR       bool
}

// Default returns the broker's out-of-the-box configuration.
func Default() Config {
	return Config{
		Host:        "0.0.0.0",
		Port:        8443,
		TokenTTL:    24 * time.Hour,
		RoomTimeout: 5 * time.Minute,
	}
}

const (
	rateLimitAttempts = 10
	rateLimitWindow   = time.Minute
	tokenSweepPeriod  = 30 * time.Second
	roomSweepPeriod   = time.Minute
)
