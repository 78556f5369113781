package config

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const settingsDirName = ".chatline"

func BaseSettingsDir() string {
	// Check if config.path is explicitly set (for testing)
	if configPath := viper.GetString("config.path"); configPath != "" {
		return configPath
	}

	currentConfig := viper.ConfigFileUsed()
	if currentConfig == "" {
		return settingsDirName
	}
	return filepath.Dir(currentConfig)
}

func BuildSettingsPath(target string) string {
	return filepath.Join(BaseSettingsDir(), target)
}

// Endpoint joins the base URL with an endpoint path, tolerating duplicate or
// missing slashes on either side.
func (s ServerConfig) Endpoint(path string, elems ...string) string {
	base := strings.TrimRight(s.BaseURL, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path
	for _, e := range elems {
		u += "/" + url.PathEscape(e)
	}
	return u
}
