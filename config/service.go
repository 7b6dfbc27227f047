package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/pseegers/mendel/common"
)

const (
	DefaultFile        = "mendel.yml"
	DefaultSlackEmoji  = ":rocket:"
	DefaultCwd         = "."
	DefaultServiceBase = "/srv"
)

// ServiceConfig is the immutable description of one service's deployment.
type ServiceConfig struct {
	ServiceName    string
	APIServiceName string
	ServiceRoot    string
	BuildTarget    string
	JarName        string
	User           string
	Group          string
	DeploymentUser string
	BundleType     common.BundleType
	ProjectType    common.ProjectType
	Cwd            string
	Classifier     string

	NexusUser       string
	NexusHost       string
	NexusPort       int
	NexusRepository string

	GraphiteHost       string
	SlackURL           string
	SlackEmoji         string
	TrackEventEndpoint string

	UseInit    bool
	UseUpstart bool

	HostGroups []HostGroup
}

// serviceFile is the on-disk shape of mendel.yml.
type serviceFile struct {
	ServiceName        string        `yaml:"service_name"`
	APIServiceName     string        `yaml:"api_service_name"`
	ServiceRoot        string        `yaml:"service_root"`
	BuildTargetPath    string        `yaml:"build_target_path"`
	JarName            string        `yaml:"jar_name"`
	User               string        `yaml:"user"`
	Group              string        `yaml:"group"`
	DeploymentUser     string        `yaml:"deployment_user"`
	BundleType         string        `yaml:"bundle_type"`
	ProjectType        string        `yaml:"project_type"`
	Cwd                string        `yaml:"cwd"`
	Classifier         string        `yaml:"classifier"`
	NexusUser          string        `yaml:"nexus_user"`
	NexusHost          string        `yaml:"nexus_host"`
	NexusPort          any           `yaml:"nexus_port"`
	NexusRepository    string        `yaml:"nexus_repository"`
	GraphiteHost       string        `yaml:"graphite_host"`
	SlackURL           string        `yaml:"slack_url"`
	SlackEmoji         string        `yaml:"slack_emoji"`
	TrackEventEndpoint string        `yaml:"track_event_endpoint"`
	UseInit            any           `yaml:"use_init"`
	UseUpstart         any           `yaml:"use_upstart"`
	Hosts              yaml.MapSlice `yaml:"hosts"`
}

// Load reads mendel.yml at path and layers it over the global config.
func Load(path string, global *GlobalConfig) (*ServiceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found or unreadable; to use the mendel cli, include service info in %s: %v",
			common.ErrConfiguration, path, path, err)
	}
	cfg, err := Parse(b, global)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	common.DebugLog("config: loaded %s for service %s (%s/%s)", path, cfg.ServiceName, cfg.ProjectType, cfg.BundleType)
	return cfg, nil
}

// Parse decodes mendel.yml content and applies defaults.
func Parse(b []byte, global *GlobalConfig) (*ServiceConfig, error) {
	if global == nil {
		global = &GlobalConfig{}
	}
	var f serviceFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed mendel.yml: %v", common.ErrConfiguration, err)
	}
	if strings.TrimSpace(f.ServiceName) == "" {
		return nil, fmt.Errorf("%w: service_name is required", common.ErrConfiguration)
	}

	bundle, err := common.ParseBundleType(f.BundleType)
	if err != nil {
		return nil, err
	}
	project, err := common.ParseProjectType(f.ProjectType)
	if err != nil {
		return nil, err
	}

	name := f.ServiceName
	cfg := &ServiceConfig{
		ServiceName:        name,
		APIServiceName:     or(f.APIServiceName, name),
		ServiceRoot:        or(f.ServiceRoot, path.Join(DefaultServiceBase, name)),
		BuildTarget:        or(f.BuildTargetPath, "target/"+name),
		JarName:            or(f.JarName, name),
		User:               or(f.User, name),
		BundleType:         bundle,
		ProjectType:        project,
		Cwd:                or(f.Cwd, DefaultCwd),
		Classifier:         f.Classifier,
		NexusUser:          or(f.NexusUser, global.NexusUser),
		NexusHost:          or(f.NexusHost, global.NexusHost),
		NexusPort:          global.NexusPort,
		NexusRepository:    or(f.NexusRepository, global.NexusRepository),
		GraphiteHost:       or(f.GraphiteHost, global.GraphiteHost),
		SlackURL:           f.SlackURL,
		SlackEmoji:         or(f.SlackEmoji, DefaultSlackEmoji),
		TrackEventEndpoint: or(f.TrackEventEndpoint, global.TrackEventEndpoint),
	}
	cfg.Group = or(f.Group, cfg.User)
	cfg.DeploymentUser = or(f.DeploymentUser, global.DeploymentUser, currentUser())

	if f.NexusPort != nil {
		n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(f.NexusPort)))
		if err != nil {
			return nil, fmt.Errorf("%w: nexus_port %v is not a number", common.ErrConfiguration, f.NexusPort)
		}
		cfg.NexusPort = n
	}

	cfg.UseInit, cfg.UseUpstart, err = serviceManagement(f.UseInit, f.UseUpstart)
	if err != nil {
		return nil, err
	}

	if len(f.Hosts) > 0 {
		groups, err := ParseHostGroups(f.Hosts)
		if err != nil {
			return nil, err
		}
		cfg.HostGroups = groups
	}
	return cfg, nil
}

// serviceManagement resolves use_init/use_upstart. Both unset keeps service
// control on (upstart flavor). use_upstart=false is the deprecated spelling of
// use_init=true. An explicit use_init=false with use_upstart unset turns
// service control off.
func serviceManagement(rawInit, rawUpstart any) (useInit, useUpstart bool, err error) {
	initSet, initVal, err := optionalBool("use_init", rawInit)
	if err != nil {
		return false, false, err
	}
	upstartSet, upstartVal, err := optionalBool("use_upstart", rawUpstart)
	if err != nil {
		return false, false, err
	}

	if initSet && initVal {
		return true, true, nil
	}
	switch {
	case upstartSet && !upstartVal:
		common.WarnLog("DEPRECATION WARNING: use_upstart must be changed to use_init")
		return true, false, nil
	case !upstartSet && initSet:
		return false, false, nil
	default:
		return false, true, nil
	}
}

func optionalBool(key string, v any) (set bool, val bool, err error) {
	switch b := v.(type) {
	case nil:
		return false, false, nil
	case bool:
		return true, b, nil
	case string:
		if common.IsTrueish(b) {
			return true, true, nil
		}
		if common.IsFalseish(b) {
			return true, false, nil
		}
	}
	return false, false, fmt.Errorf("%w: invalid truth value %v for %s", common.ErrConfiguration, v, key)
}

// HostGroup returns the named group.
func (c *ServiceConfig) HostGroup(name string) (HostGroup, error) {
	for _, g := range c.HostGroups {
		if g.Name == name {
			return g, nil
		}
	}
	return HostGroup{}, fmt.Errorf("%w: no host group %q in config (available: %s)",
		common.ErrConfiguration, name, strings.Join(c.HostGroupNames(), ", "))
}

// HostGroupNames lists configured host groups in file order.
func (c *ServiceConfig) HostGroupNames() []string {
	out := make([]string, 0, len(c.HostGroups))
	for _, g := range c.HostGroups {
		out = append(out, g.Name)
	}
	return out
}

// ServiceControlEnabled reports whether deploys should start/restart the service.
func (c *ServiceConfig) ServiceControlEnabled() bool {
	return c.UseInit || c.UseUpstart
}

// TrackingName is the service name reported to trackers.
func (c *ServiceConfig) TrackingName() string {
	return or(c.APIServiceName, c.ServiceName)
}

// NexusCoordinatesMissing returns the first unset repository coordinate
// needed to browse the package repository, or "" when all are present.
func (c *ServiceConfig) NexusCoordinatesMissing() string {
	switch {
	case c.NexusHost == "":
		return "host"
	case c.NexusPort == 0:
		return "port"
	case c.NexusUser == "":
		return "user"
	case c.NexusRepository == "":
		return "repository"
	}
	return ""
}

func (c *ServiceConfig) String() string {
	return "mendel service config for " + c.ServiceName
}

func or(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return common.Env("USER", "unknown")
}
