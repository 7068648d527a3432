package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# simctl configuration.
# An empty [ssh] host dials the simulator directly; an empty [dpi] address
# leaves the raw transaction service unused.

`

// Template renders Defaults as TOML.
func Template() (string, error) {
	out, err := toml.Marshal(Defaults())
	if err != nil {
		return "", err
	}
	return templateHeader + string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
