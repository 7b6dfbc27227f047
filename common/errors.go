package common

import "errors"

// Pipeline error taxonomy. Callers wrap these with fmt.Errorf("%w: ...")
// and classify with errors.Is.
var (
	// ErrConfiguration covers missing or contradictory host/repository config.
	ErrConfiguration = errors.New("configuration error")

	// ErrEnvironment is returned when the pre-deploy health probe fails.
	ErrEnvironment = errors.New("environment error")

	// ErrBuild is returned when the local build step cannot produce the bundle.
	ErrBuild = errors.New("build error")

	// ErrUnsupportedCombination is a build error for project-type x bundle-type
	// pairings that have no build recipe.
	ErrUnsupportedCombination = &wrapped{msg: "unsupported project/bundle combination", parent: ErrBuild}

	// ErrArtifactNotFound is returned when the bundle is missing from the build output path.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidSelection is returned for a rollback target that is current or unknown.
	ErrInvalidSelection = errors.New("invalid rollback selection")

	// ErrInvalidCommand is returned for service-control verbs outside the allowed set.
	ErrInvalidCommand = errors.New("invalid service command")

	// ErrUsage is returned when an operation is invoked against the wrong host set.
	ErrUsage = errors.New("usage error")

	// ErrTracking wraps notification sink failures. It never leaves the dispatcher.
	ErrTracking = errors.New("tracking error")
)

type wrapped struct {
	msg    string
	parent error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.parent }

// ExitCode maps a pipeline error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUsage):
		return 2
	default:
		return 1
	}
}
