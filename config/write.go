package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/loomhub/loomhub/errors"
)

// filePermissions matches the default for config files written to disk:
// readable/writable by the owner, readable by others.
const filePermissions = 0644

// WriteTOML serializes cfg as TOML and writes it to path, for `loomhubd
// config init` to seed a starting config file an operator can then edit.
func WriteTOML(path string, cfg *Config) error {
	var buf strings.Builder
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return errors.Wrapf(err, "encode config as TOML")
	}

	if err := os.WriteFile(path, []byte(buf.String()), filePermissions); err != nil {
		return errors.Wrapf(err, "write config file %s", path)
	}
	return nil
}
