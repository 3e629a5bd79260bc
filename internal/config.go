package internal

import "strings"

type Config struct {
	LogLevel      string `env:"LOG_LEVEL,default=INFO"`
	StatePath     string `env:"STATE_PATH,default=engine_state.json"`
	ExtensionsDir string `env:"EXTENSIONS_DIR,default=extensions"`
	Extensions    string `env:"EXTENSIONS"`

	// When set, the snapshot and the message archive live in BadgerDB
	// instead of the flat JSON file.
	BadgerFilepath string `env:"BADGER_FILEPATH"`
	ArchiveLimit   *int   `env:"ARCHIVE_LIMIT"`
}

// ExtensionNames parses the comma-separated EXTENSIONS list.
func (c Config) ExtensionNames() []string {
	var names []string
	for _, raw := range strings.Split(c.Extensions, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}
