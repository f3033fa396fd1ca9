/* Copyright 2025 Refsync Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config reads and writes the refsync configuration file
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/refsync/refsync/pkg/log"
)

// Filename is the name of the config file
const Filename = "refsyncrc"

const apiKeyEnvName = "REFSYNC_API_KEY"

// Config holds refsync configuration
type Config struct {
	APIEndpoint string `yaml:"apiEndpoint"`
	APIKey      string `yaml:"apiKey"`
}

// GetPath returns the path to the refsync config file
func GetPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "getting user config directory")
	}

	return filepath.Join(dir, "refsync", Filename), nil
}

// Read reads the config file and applies environment overrides. A .env file
// in the working directory is loaded first if present, so that the API key
// can be kept out of the config file.
func Read() (Config, error) {
	var ret Config

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug("loading .env: %v\n", err)
	}

	path, err := GetPath()
	if err != nil {
		return ret, errors.Wrap(err, "getting config path")
	}

	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return ret, errors.Wrap(err, "reading config file")
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &ret); err != nil {
			return ret, errors.Wrap(err, "unmarshalling config")
		}
	}

	if key := os.Getenv(apiKeyEnvName); key != "" {
		ret.APIKey = key
	}

	return ret, nil
}

// Write writes the config to the config file
func Write(cf Config) error {
	path, err := GetPath()
	if err != nil {
		return errors.Wrap(err, "getting config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}

	b, err := yaml.Marshal(cf)
	if err != nil {
		return errors.Wrap(err, "marshalling config into YAML")
	}

	if err := os.WriteFile(path, b, 0600); err != nil {
		return errors.Wrap(err, "writing the config file")
	}

	return nil
}
