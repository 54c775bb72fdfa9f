package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jonathan/contrib-evaluator/internal/store"
)

// LoadSeed reads a YAML challenge seed file
func LoadSeed(path string) (*store.ChallengeSeed, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load challenge seed %s: %w", path, err)
	}

	var seed store.ChallengeSeed
	if err := k.UnmarshalWithConf("", &seed, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode challenge seed %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}
