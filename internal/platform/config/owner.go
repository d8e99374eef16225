package config

import "github.com/google/uuid"

// randomSuffix gives the default LOCK_OWNER_ID a per-process-start unique
// tail so two instances sharing a PID namespace (containers) never collide.
func randomSuffix() string {
	return uuid.New().String()
}
