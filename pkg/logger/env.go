package logger

import (
	"os"
	"strings"
)

type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

// ParseEnv normalizes a configured environment name. Blank input yields ""
// so Init falls back to DetectEnv; unrecognized names map to dev.
func ParseEnv(raw string) Env {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "prod", "production":
		return EnvProd
	case "stage", "staging", "preprod", "pre-production":
		return EnvStage
	default:
		return EnvDev
	}
}

// DetectEnv reads CHAT_ENV, then APP_ENV.
func DetectEnv() Env {
	for _, key := range []string{"CHAT_ENV", "APP_ENV"} {
		if env := ParseEnv(os.Getenv(key)); env != "" {
			return env
		}
	}
	return EnvDev
}
