package modules

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Metadata describes a module as listed to clients.
type Metadata struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Version     string   `json:"version,omitempty" yaml:"version" toml:"version"`
	Author      string   `json:"author,omitempty" yaml:"author" toml:"author"`
	Description string   `json:"description,omitempty" yaml:"description" toml:"description"`
	Icon        string   `json:"iconPath,omitempty" yaml:"iconPath" toml:"iconPath"`
	Subtypes    []string `json:"subtypes,omitempty" yaml:"subtypes" toml:"subtypes"`
	Repo        string   `json:"repo,omitempty" yaml:"-" toml:"-"`
}

// Repo is a collection of modules sharing a metadata file at its root.
type Repo struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Title       string `json:"title" yaml:"title" toml:"title"`
	Author      string `json:"author,omitempty" yaml:"author" toml:"author"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
	URL         string `json:"url,omitempty" yaml:"url" toml:"url"`
}

// Module is a loaded, runnable module.
type Module struct {
	Metadata
	Dir    string
	Source string
}

// decode fills v from data using the format implied by path.
func decode(path string, data []byte, v any) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = sonic.ConfigStd.Unmarshal(data, v)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	case ".toml":
		err = toml.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, filepath.Base(path), err)
	}
	return nil
}
