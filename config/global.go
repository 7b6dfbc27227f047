// Package config resolves the deployment target description from layered
// sources: environment, the global ~/.mendel.conf file and the per-service
// mendel.yml.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pseegers/mendel/common"
)

// GlobalConfig holds defaults shared by every service on this workstation.
type GlobalConfig struct {
	File string

	NexusUser       string
	NexusHost       string
	NexusPort       int
	NexusRepository string

	GraphiteHost       string
	TrackEventEndpoint string
	DeploymentUser     string
}

// GlobalConfigPath returns MENDEL_CONFIG_FILE or ~/.mendel.conf.
func GlobalConfigPath() string {
	if p := common.Env("MENDEL_CONFIG_FILE", ""); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mendel.conf"
	}
	return filepath.Join(home, ".mendel.conf")
}

// LoadGlobal reads the global config file if present and applies
// environment overrides. A missing file is not an error.
func LoadGlobal() (*GlobalConfig, error) {
	return LoadGlobalFile(GlobalConfigPath())
}

// LoadGlobalFile is LoadGlobal against an explicit path.
func LoadGlobalFile(path string) (*GlobalConfig, error) {
	sections := iniFile{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		sections = parseINI(b)
	case errors.Is(err, os.ErrNotExist):
		common.DebugLog("config: no global config at %s", path)
	default:
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrConfiguration, path, err)
	}

	g := &GlobalConfig{
		File:               path,
		NexusUser:          common.Env("MENDEL_NEXUS_USER", sections.get("nexus", "user")),
		NexusHost:          common.Env("MENDEL_NEXUS_HOST", sections.get("nexus", "host")),
		NexusRepository:    common.Env("MENDEL_NEXUS_REPOSITORY", sections.get("nexus", "repository")),
		GraphiteHost:       common.Env("MENDEL_GRAPHITE_HOST", sections.get("graphite", "host")),
		TrackEventEndpoint: common.Env("TRACK_EVENT_ENDPOINT", sections.get("api", "track_event")),
		DeploymentUser:     common.Env("DEPLOYMENT_USER", sections.get("deployment", "user")),
	}

	port := common.Env("MENDEL_NEXUS_PORT", sections.get("nexus", "port"))
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("%w: nexus port %q is not a number", common.ErrConfiguration, port)
		}
		g.NexusPort = n
	}
	return g, nil
}

func (g *GlobalConfig) String() string {
	return "mendel global config using " + g.File
}

// iniFile maps section -> option -> value.
type iniFile map[string]map[string]string

func (f iniFile) get(section, option string) string {
	if s, ok := f[section]; ok {
		return s[option]
	}
	return ""
}

// Minimal INI reader: [section] headers, "key = value" or "key: value"
// options, '#' and ';' comments.
func parseINI(b []byte) iniFile {
	out := iniFile{}
	section := ""
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := out[section]; !ok {
				out[section] = map[string]string{}
			}
			continue
		}
		if section == "" {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx <= 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(line[:idx]))
		v := strings.TrimSpace(line[idx+1:])
		out[section][k] = v
	}
	return out
}
