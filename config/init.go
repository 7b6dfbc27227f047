package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/pseegers/mendel/common"
)

// InitOptions are the answers needed to scaffold a mendel.yml.
type InitOptions struct {
	ServiceName string
	BundleType  string
	ProjectType string
}

// Scaffold renders a starter mendel.yml for an existing project.
func Scaffold(opts InitOptions) ([]byte, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("%w: you must provide a service_name", common.ErrConfiguration)
	}
	bundle, err := common.ParseBundleType(opts.BundleType)
	if err != nil {
		return nil, err
	}
	if bundle == common.BundleRemoteDeb {
		return nil, fmt.Errorf("%w: init does not scaffold bundle_type %s", common.ErrConfiguration, bundle)
	}
	project, err := common.ParseProjectType(opts.ProjectType)
	if err != nil {
		return nil, err
	}
	if project == common.ProjectPython && bundle != common.BundleTarball {
		return nil, fmt.Errorf("%w: project_type %s only supports bundle_type %s",
			common.ErrUnsupportedCombination, project, common.BundleTarball)
	}

	// jar-style packaging builds straight into target/
	buildTarget := "target/" + opts.ServiceName
	if bundle != common.BundleTarball {
		buildTarget = "target/"
	}

	doc := yaml.MapSlice{
		{Key: "service_name", Value: opts.ServiceName},
		{Key: "bundle_type", Value: string(bundle)},
		{Key: "project_type", Value: string(project)},
		{Key: "build_target_path", Value: buildTarget},
		{Key: "hosts", Value: yaml.MapSlice{
			{Key: "dev", Value: yaml.MapSlice{
				{Key: "hostnames", Value: "127.0.0.1"},
				{Key: "port", Value: "2222"},
			}},
		}},
	}
	return yaml.Marshal(doc)
}

// WriteScaffold writes the scaffold to path, refusing to clobber an existing file.
func WriteScaffold(path string, opts InitOptions) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s already exists", common.ErrConfiguration, path)
	}
	b, err := Scaffold(opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	common.InfoLog("init: wrote %s for service %s", path, opts.ServiceName)
	return nil
}
