// Package env manages configuration loaded from the manifold config
// directory's .env file, layered over the process environment.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"manifold/core/log"
)

type EnvManager struct {
	mu          sync.RWMutex
	envVars     map[string]string
	envPath     string
	ticker      *time.Ticker
	stopChan    chan struct{}
	reloadHooks []func()
}

func NewEnvManager() (*EnvManager, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	em := &EnvManager{
		envVars:  make(map[string]string),
		envPath:  filepath.Join(configDir, ".env"),
		stopChan: make(chan struct{}),
	}

	if err := em.Load(); err != nil {
		log.Error("Failed to load initial environment variables: %v", err)
	}

	return em, nil
}

// GetConfigDir returns (creating if needed) ~/.config/manifold.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".config", "manifold")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// Load re-reads the .env file. A missing file is not an error; the manager
// then only reflects the ambient process environment.
func (em *EnvManager) Load() error {
	em.mu.Lock()
	defer em.mu.Unlock()

	vars := make(map[string]string)
	if _, err := os.Stat(em.envPath); err == nil {
		fileVars, err := godotenv.Read(em.envPath)
		if err != nil {
			return fmt.Errorf("failed to read env file %s: %w", em.envPath, err)
		}
		vars = fileVars
	}

	em.envVars = vars
	return nil
}

// Get returns the value for key, preferring the .env file over the ambient
// process environment.
func (em *EnvManager) Get(key string) string {
	em.mu.RLock()
	value, ok := em.envVars[key]
	em.mu.RUnlock()
	if ok {
		return value
	}
	return os.Getenv(key)
}

// Set persists a key/value pair to the .env file and to the in-memory view.
func (em *EnvManager) Set(key, value string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.envVars[key] = value
	if err := godotenv.Write(em.envVars, em.envPath); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", em.envPath, err)
	}
	return nil
}

// Overlay returns the tracked .env variables as KEY=VALUE pairs, suitable for
// merging over a child process environment.
func (em *EnvManager) Overlay() map[string]string {
	em.mu.RLock()
	defer em.mu.RUnlock()

	overlay := make(map[string]string, len(em.envVars))
	for k, v := range em.envVars {
		overlay[k] = v
	}
	return overlay
}

// RegisterReloadHook registers a function invoked after every successful
// periodic reload.
func (em *EnvManager) RegisterReloadHook(hook func()) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.reloadHooks = append(em.reloadHooks, hook)
}

// StartPeriodicRefresh reloads the .env file on the given interval until
// Stop is called.
func (em *EnvManager) StartPeriodicRefresh(interval time.Duration) {
	em.ticker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-em.stopChan:
				return
			case <-em.ticker.C:
				if err := em.Load(); err != nil {
					log.Warn("⚠️ Failed to refresh environment variables: %v", err)
					continue
				}
				em.mu.RLock()
				hooks := make([]func(), len(em.reloadHooks))
				copy(hooks, em.reloadHooks)
				em.mu.RUnlock()
				for _, hook := range hooks {
					hook()
				}
			}
		}
	}()
}

// Stop halts the periodic refresh goroutine.
func (em *EnvManager) Stop() {
	if em.ticker != nil {
		em.ticker.Stop()
	}
	close(em.stopChan)
}
