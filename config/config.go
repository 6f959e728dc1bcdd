package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const keyEnv = "ENV"
const envLocal = "local"

type Config struct {
	config *viper.Viper
}

func Load() (*Config, error) {

	env := os.Getenv(keyEnv)
	if len(env) == 0 {
		env = envLocal
	}

	configPath, err := getConfigPath(env)

	viperConfig := viper.New()
	if err == nil {
		viperConfig.SetConfigFile(configPath)
		if err := viperConfig.ReadInConfig(); err != nil {
			slog.Warn(fmt.Sprintf("error reading config file, %s", err))
		}
	}
	viperConfig.AutomaticEnv()

	cfg := &Config{
		config: viperConfig,
	}

	return cfg, nil
}

func (c *Config) GetPort() string {
	port := c.config.GetString("PORT")
	if len(port) == 0 {
		port = c.config.GetString("server.port")
	}

	return port
}

func (c *Config) GetStoragePath() string {
	storagePath := c.config.GetString("STORAGE_PATH")
	if len(storagePath) == 0 {
		storagePath = c.config.GetString("storage.root_path")
	}

	return storagePath
}

func (c *Config) GetHotDBPath() string {
	hotDBPath := c.config.GetString("HOT_DB_PATH")
	if len(hotDBPath) == 0 {
		hotDBPath = c.config.GetString("storage.hot_db_path")
	}

	return filepath.Join(c.GetStoragePath(), hotDBPath)
}

func (c *Config) GetIndexPath() string {
	indexPath := c.config.GetString("INDEX_PATH")
	if len(indexPath) == 0 {
		indexPath = c.config.GetString("storage.index_path")
	}

	return filepath.Join(c.GetStoragePath(), indexPath)
}

func (c *Config) GetArchivePath() string {
	archivePath := c.config.GetString("ARCHIVE_PATH")
	if len(archivePath) == 0 {
		archivePath = c.config.GetString("storage.archive_path")
	}

	return filepath.Join(c.GetStoragePath(), archivePath)
}

func (c *Config) GetJournalPath() string {
	journalPath := c.config.GetString("JOURNAL_PATH")
	if len(journalPath) == 0 {
		journalPath = c.config.GetString("storage.journal_path")
	}

	return filepath.Join(c.GetStoragePath(), journalPath)
}

func (c *Config) GetMemoryTargetBytes() int64 {
	if target := c.config.GetInt64("MEMORY_TARGET_BYTES"); target > 0 {
		return target
	}

	return c.config.GetInt64("memory.target_bytes")
}

func (c *Config) GetMemoryWarningBytes() int64 {
	if warning := c.config.GetInt64("MEMORY_WARNING_BYTES"); warning > 0 {
		return warning
	}

	return c.config.GetInt64("memory.warning_bytes")
}

func (c *Config) GetMemoryCriticalBytes() int64 {
	if critical := c.config.GetInt64("MEMORY_CRITICAL_BYTES"); critical > 0 {
		return critical
	}

	return c.config.GetInt64("memory.critical_bytes")
}

func (c *Config) GetMigrationAgeDays() int {
	if ageDays := c.config.GetInt("MIGRATION_AGE_DAYS"); ageDays > 0 {
		return ageDays
	}

	return c.config.GetInt("migration.age_days")
}

func (c *Config) GetMigrationMaxAccessCount() int64 {
	if maxAccess := c.config.GetInt64("MIGRATION_MAX_ACCESS_COUNT"); maxAccess > 0 {
		return maxAccess
	}

	return c.config.GetInt64("migration.max_access_count")
}

func (c *Config) GetMigrationBatchSize() int {
	if batchSize := c.config.GetInt("MIGRATION_BATCH_SIZE"); batchSize > 0 {
		return batchSize
	}

	return c.config.GetInt("migration.batch_size")
}

func (c *Config) GetHotCapacity() uint64 {
	if capacity := c.config.GetUint64("HOT_CAPACITY"); capacity > 0 {
		return capacity
	}

	return c.config.GetUint64("migration.hot_capacity")
}

func (c *Config) GetMigrationInterval() time.Duration {
	if interval := c.config.GetDuration("MIGRATION_INTERVAL"); interval > 0 {
		return interval
	}

	return c.config.GetDuration("migration.interval")
}

func (c *Config) GetKeyIterations() int {
	if iterations := c.config.GetInt("KEY_ITERATIONS"); iterations > 0 {
		return iterations
	}

	return c.config.GetInt("crypto.key_iterations")
}

func getProjectRoot() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}

	for {
		configDir := filepath.Join(currentDir, "config")
		if info, err := os.Stat(configDir); err == nil && info.IsDir() {
			return currentDir, nil
		}

		parent := filepath.Dir(currentDir)

		if parent == currentDir {
			break
		}

		currentDir = parent
	}

	return "", fmt.Errorf("could not find project root (directory containing 'config' folder)")
}

func getConfigPath(env string) (string, error) {
	configFile := fmt.Sprintf("config.%s.yaml", env)

	projectRoot, err := getProjectRoot()
	if err != nil {
		slog.Warn("failed to find project root with config directory, will use environment variables instead", "err", err.Error())
		return "", fmt.Errorf("failed to find project root: %w", err)
	}
	configPath := filepath.Join(projectRoot, "config", configFile)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		slog.Warn("failed to find config file within config directory, will use environment variables instead", "err", err.Error())
		return "", fmt.Errorf("config file does not exist: %s", configPath)
	}

	return configPath, nil
}
