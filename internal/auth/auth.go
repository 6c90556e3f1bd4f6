// Package auth resolves the service credentials used by a run: the fal API
// key (required for segmentation) and an optional Hugging Face token for
// gated checkpoint downloads.
package auth

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// FalKeyEnv names the fal API key.
	FalKeyEnv = "FAL_KEY"
	// HFTokenEnv names the Hugging Face access token.
	HFTokenEnv = "HF_TOKEN"

	credentialDir = ".mv3d"
)

// ErrNotFound is returned when no source holds the requested credential.
var ErrNotFound = errors.New("credential not found")

// GetCredential retrieves a named credential from available sources.
// Priority order:
//  1. the environment variable called name
//  2. GPG-encrypted file at ~/.mv3d/<lowercase name>.gpg
func GetCredential(name string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		log.Debug().Str("credential", name).Msg("Using credential from environment variable")
		return v, nil
	}

	v, err := getFromGPG(name)
	if err == nil && v != "" {
		log.Debug().Str("credential", name).Msg("Using credential from GPG encrypted file")
		return v, nil
	}

	log.Debug().Err(err).Str("credential", name).Msg("Credential not available")
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// GetFalKey returns the fal API key, which every segmentation request needs.
func GetFalKey() (string, error) {
	key, err := GetCredential(FalKeyEnv)
	if err != nil {
		return "", fmt.Errorf("fal API key not found. Set %s or store it in ~/%s/%s", FalKeyEnv, credentialDir, credentialFile(FalKeyEnv))
	}
	return key, nil
}

// GetHFToken returns the Hugging Face token, or "" when none is configured.
func GetHFToken() string {
	token, err := GetCredential(HFTokenEnv)
	if err != nil {
		return ""
	}
	return token
}

// getFromGPG decrypts a credential from its GPG-encrypted file.
func getFromGPG(name string) (string, error) {
	credPath, err := getCredentialPath(name)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(credPath); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")

	// Build GPG command with optional passphrase file for non-interactive use
	args := []string{"--decrypt", "--quiet"}

	passphrasePath, err := getPassphrasePath()
	if err == nil {
		fi, statErr := os.Stat(passphrasePath)
		if statErr == nil {
			// Passphrase file must be owner-only.
			mode := fi.Mode().Perm()
			if mode&0077 != 0 {
				log.Warn().
					Str("passphrase_file", passphrasePath).
					Str("permissions", fmt.Sprintf("%04o", mode)).
					Msg("Passphrase file has insecure permissions (should be 0600); skipping")
			} else {
				log.Debug().Str("passphrase_file", passphrasePath).Msg("Using passphrase file for GPG decryption")
				args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
			}
		}
	}

	args = append(args, credPath)
	cmd := exec.Command("gpg", args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("GPG decryption failed: %s", string(exitErr.Stderr))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

func credentialFile(name string) string {
	return strings.ToLower(name) + ".gpg"
}

// getCredentialPath returns the full path to the encrypted file for name.
func getCredentialPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, credentialDir, credentialFile(name)), nil
}

// getPassphrasePath returns the path to the GPG passphrase file.
// This allows non-interactive GPG decryption when running in automated environments.
func getPassphrasePath() (string, error) {
	// Check in the same directory as the executable first
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}

	exeDir := filepath.Dir(exe)
	passphrasePath := filepath.Join(exeDir, ".gpg-passphrase")
	if _, err := os.Stat(passphrasePath); err == nil {
		return passphrasePath, nil
	}

	// Also check current working directory (for development)
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	passphrasePath = filepath.Join(cwd, ".gpg-passphrase")
	return passphrasePath, nil
}
