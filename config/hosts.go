package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/pseegers/mendel/common"
)

// DefaultSSHPort is used when a host group does not name a port.
const DefaultSSHPort = 22

// HostGroup is a named set of deploy targets such as "prod" or "stage".
type HostGroup struct {
	Name  string
	Hosts []string
	Port  int
}

// Targets expands the group into one Host per hostname.
func (g HostGroup) Targets() []common.Host {
	out := make([]common.Host, 0, len(g.Hosts))
	for _, h := range g.Hosts {
		out = append(out, common.Host{Name: h, Port: g.Port})
	}
	return out
}

func (g HostGroup) String() string {
	return fmt.Sprintf("%s: hosts %s (port %d)", g.Name, strings.Join(g.Hosts, ","), g.Port)
}

// ParseHostGroups validates the `hosts:` section of mendel.yml. Exactly one of
// hostname or hostnames must be present in each group; order follows the file.
func ParseHostGroups(groups yaml.MapSlice) ([]HostGroup, error) {
	out := make([]HostGroup, 0, len(groups))
	for _, item := range groups {
		name := fmt.Sprint(item.Key)
		body, err := toStringMap(item.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: host group %q: %v", common.ErrConfiguration, name, err)
		}
		g, err := parseHostGroup(name, body)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func parseHostGroup(name string, body map[string]any) (HostGroup, error) {
	single, hasSingle := body["hostname"]
	multi, hasMulti := body["hostnames"]
	if hasSingle && hasMulti {
		return HostGroup{}, fmt.Errorf("%w: host group %q: cannot specify both 'hostname' and 'hostnames'", common.ErrConfiguration, name)
	}
	if !hasSingle && !hasMulti {
		return HostGroup{}, fmt.Errorf("%w: host group %q: must supply 'hostnames' section", common.ErrConfiguration, name)
	}

	g := HostGroup{Name: name, Port: DefaultSSHPort}
	if hasSingle {
		common.WarnLog("host group %s: 'hostname' is deprecated in favor of 'hostnames' so you can provide a csv-list", name)
		h := strings.TrimSpace(fmt.Sprint(single))
		if h != "" {
			g.Hosts = []string{h}
		}
	} else {
		for _, h := range strings.Split(fmt.Sprint(multi), ",") {
			if h = strings.TrimSpace(h); h != "" {
				g.Hosts = append(g.Hosts, h)
			}
		}
	}
	if len(g.Hosts) == 0 {
		return HostGroup{}, fmt.Errorf("%w: host group %q has no hosts", common.ErrConfiguration, name)
	}

	if p, ok := body["port"]; ok && p != nil {
		n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(p)))
		if err != nil || n <= 0 {
			return HostGroup{}, fmt.Errorf("%w: host group %q: invalid port %v", common.ErrConfiguration, name, p)
		}
		g.Port = n
	}
	return g, nil
}

func toStringMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	case yaml.MapSlice:
		out := make(map[string]any, len(m))
		for _, item := range m {
			out[fmt.Sprint(item.Key)] = item.Value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
}

// SplitHosts parses a -H style comma-separated host override.
func SplitHosts(csv string, port int) HostGroup {
	g := HostGroup{Name: "cli", Port: port}
	for _, h := range strings.Split(csv, ",") {
		if h = strings.TrimSpace(h); h != "" {
			g.Hosts = append(g.Hosts, h)
		}
	}
	return g
}
