package backend

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caresync/pkg/platform/sentinel"
)

// ConfigKey is the storage key of the persisted backend configuration.
const ConfigKey = "backend_config"

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Config selects the active backend. Exactly one is active per process.
type Config struct {
	Mode             Mode              `json:"mode"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Key              string            `json:"key,omitempty"`
	LegacyDBBridge   *LegacyDBBridge   `json:"legacyDbBridge,omitempty"`
	FileBackupBridge *FileBackupBridge `json:"fileBackupBridge,omitempty"`
}

// LegacyDBBridge points the sync queue at the hospital dashboard. The
// endpoint is an http(s) URL or kafka://broker[,broker]/topic.
type LegacyDBBridge struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FileBackupBridge enables JSON snapshots of every collection.
type FileBackupBridge struct {
	Enabled  bool   `json:"enabled"`
	FolderID string `json:"folderId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// DefaultConfig is written on first run.
func DefaultConfig() Config {
	return Config{Mode: ModeLocal}
}

// Redacted hides the key for logs and API responses.
func (c Config) Redacted() Config {
	if c.Key != "" {
		c.Key = "****"
	}
	return c
}

// LegacyBridgeEndpoint returns the enabled dashboard endpoint, or "".
func (c Config) LegacyBridgeEndpoint() string {
	if c.LegacyDBBridge == nil || !c.LegacyDBBridge.Enabled {
		return ""
	}
	return c.LegacyDBBridge.Endpoint
}

// BackupEnabled reports whether file backups are switched on.
func (c Config) BackupEnabled() bool {
	return c.FileBackupBridge != nil && c.FileBackupBridge.Enabled
}

// Validate checks the configuration without touching the network. The
// returned error wraps sentinel.ErrInvalidConfig.
func (c Config) Validate() error {
	return c.validateAt(time.Now())
}

func (c Config) validateAt(now time.Time) error {
	var errs []error
	switch c.Mode {
	case ModeLocal:
	case ModeRemote:
		errs = append(errs, validateEndpoint(c.Endpoint, c.Key, now))
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}

	if b := c.LegacyDBBridge; b != nil && b.Enabled {
		u, err := url.Parse(b.Endpoint)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("legacyDbBridge endpoint %q is not a URL", b.Endpoint))
		} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "kafka" {
			errs = append(errs, fmt.Errorf("legacyDbBridge scheme %q is not supported", u.Scheme))
		}
	}
	if b := c.FileBackupBridge; b != nil && b.Enabled {
		if strings.ContainsAny(b.FolderID, `/\`) || b.FolderID == ".." {
			errs = append(errs, fmt.Errorf("fileBackupBridge folderId %q must be a single path segment", b.FolderID))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrInvalidConfig, err)
	}
	return nil
}

func validateEndpoint(endpoint, key string, now time.Time) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("endpoint is required in remote mode")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required in remote mode")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("endpoint %q is not an absolute URL", endpoint)
	}
	switch u.Scheme {
	case "http", "https":
		return validateAPIKey(key, now)
	case "postgres", "postgresql":
		return nil
	}
	return fmt.Errorf("endpoint scheme %q is not supported", u.Scheme)
}

// validateAPIKey checks the key is a well-formed, unexpired JWT. The
// signature belongs to the remote and is not verified here.
func validateAPIKey(key string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return fmt.Errorf("key is not a valid token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("key expiry: %w", err)
	}
	if exp != nil && exp.Before(now) {
		return fmt.Errorf("key expired at %s", exp.Format(time.RFC3339))
	}
	return nil
}
