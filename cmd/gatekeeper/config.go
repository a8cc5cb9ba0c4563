package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// loadConfigFile applies values from a YAML file to flags not already set on the command line or in the environment.
// Keys are flag names, e.g.
//
//	did-prefix: did:mdip
//	registries: [local, hyperswarm, TFTC]
//	gc-interval: 30m
func loadConfigFile(cmd *cli.Command, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(b, &values); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for name, v := range values {
		if name == "config" || cmd.IsSet(name) {
			continue
		}
		switch v := v.(type) {
		case []any:
			for _, item := range v {
				if err := cmd.Set(name, fmt.Sprint(item)); err != nil {
					return fmt.Errorf("config %s: %w", name, err)
				}
			}
		case nil:
		default:
			if err := cmd.Set(name, fmt.Sprint(v)); err != nil {
				return fmt.Errorf("config %s: %w", name, err)
			}
		}
	}
	return nil
}
