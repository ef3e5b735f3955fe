package main

import (
	"time"

	"github.com/envhelper/envhelper/common/crypto"
	"github.com/envhelper/envhelper/common/environment"
	"github.com/envhelper/envhelper/internal/envhelper/app"
	"github.com/envhelper/envhelper/internal/envhelper/matrix"
)

type logConfig struct {
	level  string
	format string
}

// loadConfig loads configuration from environment variables
func loadConfig() (*app.Config, logConfig, error) {
	var masterKey []byte
	if raw := environment.StringOr("ENVHELPER_MASTER_KEY", ""); raw != "" {
		key, err := crypto.ParseMasterKey(raw)
		if err != nil {
			return nil, logConfig{}, err
		}
		masterKey = key
	}

	cfg := &app.Config{
		HTTPAddr:             environment.StringOr("ENVHELPER_HTTP_ADDR", ":8080"),
		RateLimit:            float64(environment.IntOr("ENVHELPER_RATE_LIMIT", 20)),
		DBDriver:             environment.StringOr("ENVHELPER_DB_DRIVER", app.DriverSQLite),
		DatabasePath:         environment.StringOr("DATABASE_PATH", "./envhelper.db"),
		DatabaseURL:          environment.StringOr("DATABASE_URL", ""),
		MasterKey:            masterKey,
		Runtime:              environment.StringOr("ENVHELPER_RUNTIME", app.RuntimeDocker),
		DockerNetwork:        environment.StringOr("ENVHELPER_DOCKER_NETWORK", ""),
		HostUser:             environment.StringOr("USER", "user"),
		DataDir:              environment.StringOr("ENVHELPER_DATA_DIR", "."),
		ReconcileInterval:    environment.DurationOr("ENVHELPER_RECONCILE_INTERVAL", 60*time.Second),
		CallTimeout:          environment.DurationOr("ENVHELPER_CALL_TIMEOUT", 30*time.Second),
		PullTimeout:          environment.DurationOr("ENVHELPER_PULL_TIMEOUT", 10*time.Minute),
		StopGrace:            environment.DurationOr("ENVHELPER_STOP_GRACE", 10*time.Second),
		LockWait:             environment.DurationOr("ENVHELPER_LOCK_WAIT", 0),
		PortProbe:            environment.BoolOr("ENVHELPER_PORT_PROBE", true),
		PurgeVolumes:         environment.BoolOr("ENVHELPER_PURGE_VOLUMES", true),
		AutoStartConcurrency: environment.IntOr("ENVHELPER_AUTOSTART_CONCURRENCY", 4),
		ManifestPath:         environment.StringOr("ENVHELPER_MANIFEST", ""),
		Matrix: matrix.Config{
			Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		},
		AuditRoomID: environment.StringOr("MATRIX_AUDIT_ROOM", ""),
	}

	logCfg := logConfig{
		level:  environment.StringOr("LOG_LEVEL", "info"),
		format: environment.StringOr("LOG_FORMAT", "text"),
	}
	return cfg, logCfg, nil
}
