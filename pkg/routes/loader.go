package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/action-gateway/pkg/commsutil"
)

const (
	logPrefix = "routes:loader"

	// EnvRoutesFile names the environment variable consulted after explicit paths.
	EnvRoutesFile = "GATEWAY_ROUTES_FILE"
)

// LoadRoutesConfig loads the route table from file paths or environment.
// Paths passed in are tried first, then GATEWAY_ROUTES_FILE, then
// config/routes.json and routes.json. Unreadable or unparsable files are
// skipped; when none loads the default config is returned.
func LoadRoutesConfig(paths ...string) (*RoutesConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvRoutesFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/routes.json", "routes.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg RoutesConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse routes file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded %d routes from %s", logPrefix, len(cfg.Routes), p))
		return MergeRoutesConfigs(GetDefaultRoutesConfig(), &cfg), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default routes config", logPrefix))
	return GetDefaultRoutesConfig(), nil
}

// GetDefaultRoutesConfig returns the fallback configuration: every action
// type is published on gateway.action.<type>.
func GetDefaultRoutesConfig() *RoutesConfig {
	return &RoutesConfig{
		Name:          "default-routes",
		Version:       "1.0.0",
		SubjectPrefix: commsutil.SubjectActionPrefix,
		DefaultMode:   ModePublish,
		Routes:        map[string]Route{},
		Aliases:       map[string]string{},
	}
}

// MergeRoutesConfigs merges an override config into a base config.
func MergeRoutesConfigs(base, override *RoutesConfig) *RoutesConfig {
	merged := *base
	merged.Routes = make(map[string]Route, len(base.Routes)+len(override.Routes))
	for k, v := range base.Routes {
		merged.Routes[k] = v
	}
	for k, v := range override.Routes {
		merged.Routes[k] = v
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for k, v := range base.Aliases {
		merged.Aliases[k] = v
	}
	for k, v := range override.Aliases {
		merged.Aliases[k] = v
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.SubjectPrefix != "" {
		merged.SubjectPrefix = override.SubjectPrefix
	}
	if override.DefaultMode != "" {
		merged.DefaultMode = override.DefaultMode
	}
	return &merged
}
