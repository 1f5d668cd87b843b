package builder

import (
	"io"
	"os"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChrootConfiguration selects the chroot based command runner.
type ChrootConfiguration struct {
	// Path of the shell inside the filesystem being built.
	Shell string `json:"shell"`
}

// CommandRunnerConfiguration selects how Run steps are executed.
// If no field is set, the embedded shell interpreter is used.
type CommandRunnerConfiguration struct {
	Shell  *struct{}            `json:"shell"`
	Chroot *ChrootConfiguration `json:"chroot"`
}

// Configuration of the Build Step Executor.
type Configuration struct {
	// Directory in which filesystem views are created.
	WorkDirectory     string                     `json:"workDirectory"`
	CommandRunner     CommandRunnerConfiguration `json:"commandRunner"`
	UploadConcurrency int                        `json:"uploadConcurrency"`
}

// NewCommandRunnerFromConfiguration creates a CommandRunner based on
// parameters provided in a configuration file.
func NewCommandRunnerFromConfiguration(configuration *CommandRunnerConfiguration) (CommandRunner, error) {
	switch {
	case configuration.Chroot != nil:
		if configuration.Chroot.Shell == "" {
			return nil, status.Error(codes.InvalidArgument, "No shell provided for chroot command runner")
		}
		return NewChrootCommandRunner(configuration.Chroot.Shell), nil
	default:
		return NewShellCommandRunner(), nil
	}
}

// NewExecutorFromConfiguration creates an Executor based on parameters
// provided in a configuration file.
func NewExecutorFromConfiguration(contentStore cas.ContentStore, graph layer.Graph, function digest.Function, configuration *Configuration, output io.Writer) (Executor, error) {
	workDirectory := configuration.WorkDirectory
	if workDirectory == "" {
		workDirectory = os.TempDir()
	}
	if err := os.MkdirAll(workDirectory, 0o700); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create work directory %#v", workDirectory)
	}
	commandRunner, err := NewCommandRunnerFromConfiguration(&configuration.CommandRunner)
	if err != nil {
		return nil, err
	}
	uploadConcurrency := configuration.UploadConcurrency
	if uploadConcurrency <= 0 {
		uploadConcurrency = 8
	}
	return NewExecutor(contentStore, graph, function, workDirectory, commandRunner, uploadConcurrency, output), nil
}
