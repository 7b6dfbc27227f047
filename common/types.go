// common/types.go - Shared types used across packages
package common

import "fmt"

// BundleType identifies the packaging format a service is shipped in.
type BundleType string

const (
	BundleTarball   BundleType = "tgz"
	BundleJar       BundleType = "jar"
	BundleRemoteJar BundleType = "remote_jar"
	BundleDeb       BundleType = "deb"
	BundleRemoteDeb BundleType = "remote_deb"
)

// BundleTypes lists every supported bundle type.
var BundleTypes = []BundleType{BundleTarball, BundleJar, BundleRemoteJar, BundleDeb, BundleRemoteDeb}

// ParseBundleType validates a bundle-type tag. An empty tag selects remote_jar.
func ParseBundleType(s string) (BundleType, error) {
	if s == "" {
		return BundleRemoteJar, nil
	}
	for _, b := range BundleTypes {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: unknown bundle_type %q", ErrConfiguration, s)
}

// ProjectType identifies the build toolchain of the project being deployed.
type ProjectType string

const (
	ProjectJava   ProjectType = "java"
	ProjectPython ProjectType = "python"
)

// ParseProjectType validates a project-type tag. An empty tag selects java.
func ParseProjectType(s string) (ProjectType, error) {
	switch ProjectType(s) {
	case "":
		return ProjectJava, nil
	case ProjectJava, ProjectPython:
		return ProjectType(s), nil
	}
	return "", fmt.Errorf("%w: unknown project_type %q", ErrConfiguration, s)
}

// Host is one resolved deploy target.
type Host struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// Addr returns host:port for dialing.
func (h Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.Name, h.Port)
}
