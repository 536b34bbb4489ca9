package core

import "fmt"

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 1

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]any) error
}

// configMigrations is the ordered list of all migrations.
// Each migration transforms raw YAML map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateV0toV1},
}

// MigrateConfig applies all pending migrations to a raw YAML config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]any) (version int, migrated bool, err error) {
	// Pre-versioned files have no version key.
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}
	if version > CurrentConfigVersion {
		return version, false, Configurationf("config version %d is newer than supported %d", version, CurrentConfigVersion)
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version, version != startVersion,
					fmt.Errorf("migration v%d→v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version, version != startVersion, nil
}

// section returns raw[name] as a map, creating it when absent.
func section(raw map[string]any, name string) (map[string]any, error) {
	v, ok := raw[name]
	if !ok || v == nil {
		m := map[string]any{}
		raw[name] = m
		return m, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a mapping, got %T", name, v)
	}
	return m, nil
}

// migrateV0toV1 moves the flat top-level keys of unversioned files into
// their sections: log_level → logging.level, pipe_name → ipc.address,
// relay_port → relay.port. Keys already set in a section win.
func migrateV0toV1(raw map[string]any) error {
	moves := []struct{ from, sect, key string }{
		{"log_level", "logging", "level"},
		{"pipe_name", "ipc", "address"},
		{"relay_port", "relay", "port"},
	}
	for _, mv := range moves {
		v, ok := raw[mv.from]
		if !ok {
			continue
		}
		delete(raw, mv.from)
		sect, err := section(raw, mv.sect)
		if err != nil {
			return err
		}
		if _, set := sect[mv.key]; !set {
			sect[mv.key] = v
		}
	}
	return nil
}
