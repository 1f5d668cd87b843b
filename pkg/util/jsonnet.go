package util

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/google/go-jsonnet"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EvaluateJsonnet evaluates a Jsonnet snippet. All of the environment
// variables of the current process are made available to the snippet
// through std.extVar().
func EvaluateJsonnet(filename, snippet string) (string, error) {
	vm := jsonnet.MakeVM()
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			return "", status.Errorf(codes.InvalidArgument, "Invalid environment variable: %#v", env)
		}
		vm.ExtVar(parts[0], parts[1])
	}
	output, err := vm.EvaluateSnippet(filename, snippet)
	if err != nil {
		return "", status.Errorf(codes.InvalidArgument, "Failed to evaluate configuration: %s", err)
	}
	return output, nil
}

// UnmarshalConfigurationFromFile reads a Jsonnet file, evaluates it and
// unmarshals the output into a configuration structure. Unknown fields
// are rejected, so that typos in configuration files are not silently
// ignored.
func UnmarshalConfigurationFromFile(path string, configuration interface{}) error {
	// Read configuration file from disk or from stdin.
	var jsonnetInput []byte
	var err error
	if path == "-" {
		jsonnetInput, err = io.ReadAll(os.Stdin)
	} else {
		jsonnetInput, err = os.ReadFile(path)
	}
	if err != nil {
		return StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to read file contents")
	}
	return UnmarshalConfigurationFromJsonnet(path, string(jsonnetInput), configuration)
}

// UnmarshalConfigurationFromJsonnet is identical to
// UnmarshalConfigurationFromFile, except that the Jsonnet source is
// provided directly.
func UnmarshalConfigurationFromJsonnet(filename, snippet string, configuration interface{}) error {
	jsonnetOutput, err := EvaluateJsonnet(filename, snippet)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewBufferString(jsonnetOutput))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(configuration); err != nil {
		return status.Errorf(codes.InvalidArgument, "Failed to unmarshal configuration: %s", err)
	}
	return nil
}
