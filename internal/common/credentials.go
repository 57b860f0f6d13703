// Package common holds helpers shared by the CLI commands
package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// CredentialsFile is the file name under the tool directory
const CredentialsFile = "credentials"

// ToolDir returns ~/.moodle-eks
func ToolDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".moodle-eks"), nil
}

// CredentialsPath returns ~/.moodle-eks/credentials
func CredentialsPath() (string, error) {
	dir, err := ToolDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, CredentialsFile), nil
}

// loadConfigFile parses a KEY=VALUE file
func loadConfigFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return values, nil
}

// applyFile exports every key of path that is not already set.
// Environment variables always take precedence.
func applyFile(path string) error {
	values, err := loadConfigFile(path)
	if err != nil {
		return err
	}
	for key, value := range values {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// LoadSavedCredentials exports AWS_* and MOODLE_* values saved in the
// credentials file. A missing file is not an error.
func LoadSavedCredentials() error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return applyFile(path)
}

// LoadEnvFile exports the values of an explicit env file, which must exist
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return applyFile(path)
}

// GetCredentialsStatus reports whether the credentials file exists
func GetCredentialsStatus() (bool, string, error) {
	path, err := CredentialsPath()
	if err != nil {
		return false, "", err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, path, nil
	}
	if err != nil {
		return false, path, err
	}
	return true, path, nil
}

// SaveCredentials writes values to the credentials file with owner-only
// permissions, replacing it
func SaveCredentials(values map[string]string) (string, error) {
	path, err := CredentialsPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	content, err := godotenv.Marshal(values)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write credentials: %w", err)
	}
	return path, nil
}

// SavedCredentials returns the values of the credentials file. A missing
// file returns an empty map.
func SavedCredentials() (map[string]string, error) {
	path, err := CredentialsPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	return loadConfigFile(path)
}
