package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all file paths for sealroom
type Paths struct {
	ConfigDir    string // ~/.config/sealroom or equivalent
	DirectoryDir string // ~/.config/sealroom/directory (last snapshot per room)

	ConfigFile   string // ~/.config/sealroom/config.toml
	IdentityFile string // ~/.config/sealroom/identity.key
	SessionFile  string // ~/.config/sealroom/session.json
	DatabaseFile string // ~/.config/sealroom/sealroom.db (server)
	AuditLogFile string // ~/.config/sealroom/audit.log (server)
}

// GetPaths returns platform-specific paths for sealroom
func GetPaths() (*Paths, error) {
	var configDir string

	// Allow override via environment variable (useful for running several identities)
	if envConfigDir := os.Getenv("SEALROOM_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
	} else {
		switch runtime.GOOS {
		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "sealroom")

		default:
			if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
				configDir = filepath.Join(xdg, "sealroom")
				break
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "sealroom")
		}
	}

	return PathsIn(configDir), nil
}

// PathsIn returns the layout rooted at configDir.
func PathsIn(configDir string) *Paths {
	return &Paths{
		ConfigDir:    configDir,
		DirectoryDir: filepath.Join(configDir, "directory"),

		ConfigFile:   filepath.Join(configDir, "config.toml"),
		IdentityFile: filepath.Join(configDir, "identity.key"),
		SessionFile:  filepath.Join(configDir, "session.json"),
		DatabaseFile: filepath.Join(configDir, "sealroom.db"),
		AuditLogFile: filepath.Join(configDir, "audit.log"),
	}
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DirectoryDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// IdentityExists reports whether a key file is present
func (p *Paths) IdentityExists() bool {
	_, err := os.Stat(p.IdentityFile)
	return err == nil
}
