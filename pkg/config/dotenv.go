package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// loadDotEnv is replaced in tests.
var loadDotEnv = godotenv.Load

// LoadDotEnv loads the .env file of each directory that has one. Variables
// already in the environment are never overridden. It returns the files loaded.
func LoadDotEnv(dirs ...string) ([]string, error) {
	var loaded []string
	seen := make(map[string]bool)
	for _, dir := range dirs {
		path, err := filepath.Abs(filepath.Join(dir, ".env"))
		if err != nil || seen[path] {
			continue
		}
		seen[path] = true

		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := loadDotEnv(path); err != nil {
			return loaded, &Error{Field: ".env", Msg: "cannot be loaded from " + path, Err: err}
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}
