package imagebuilder

import (
	"errors"
	"fmt"
	"strings"
)

// Argument keys. Lookup is case-insensitive; these are the canonical spellings.
const (
	KeyOperation            = "operation"
	KeyStoreRoot            = "storeRoot"
	KeySchemaPath           = "schemaPath"
	KeyWorkingDir           = "workingDir"
	KeyBuildPath            = "buildPath"
	KeyOutput               = "output"
	KeyErrorDetails         = "errorDetails"
	KeyCodePath             = "codePath"
	KeyConfigPath           = "configPath"
	KeyInfrastructure       = "im"
	KeyCurrentFabricVersion = "currentFabricVersion"
	KeyTargetFabricVersion  = "targetFabricVersion"
	KeyInput                = "input"
	KeyTimeout              = "timeout"
	KeyIgnoreConflict       = "ignoreConflict"
)

// supportedKeys maps lower-cased keys to their canonical spelling.
//
//nolint:gochecknoglobals // Fixed lookup table.
var supportedKeys = func() map[string]string {
	keys := []string{
		KeyOperation, KeyStoreRoot, KeySchemaPath, KeyWorkingDir, KeyBuildPath,
		KeyOutput, KeyErrorDetails, KeyCodePath, KeyConfigPath, KeyInfrastructure,
		KeyCurrentFabricVersion, KeyTargetFabricVersion, KeyInput, KeyTimeout, KeyIgnoreConflict,
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[strings.ToLower(k)] = k
	}

	return out
}()

var (
	// ErrNoArguments is returned when the builder is started without arguments.
	ErrNoArguments = errors.New("no arguments given")

	// errInvalidArguments marks every argument error; it maps to ExitInvalidArguments.
	errInvalidArguments = errors.New("invalid arguments")
)

// ParseArgs splits "key:value" arguments on the first colon. Keys are matched
// case-insensitively against the supported set and returned in canonical form.
// On error the keys parsed so far are still returned, so the caller can find
// the errorDetails file.
func ParseArgs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, ErrNoArguments
	}

	parsed := make(map[string]string, len(args))

	var errs []error

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, ":")
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q is not a key:value pair", errInvalidArguments, arg))

			continue
		}

		canonical, known := supportedKeys[strings.ToLower(strings.TrimLeft(key, "/-"))]

		switch {
		case !known:
			errs = append(errs, fmt.Errorf("%w: unknown key %q", errInvalidArguments, key))
		case hasKey(parsed, canonical):
			errs = append(errs, fmt.Errorf("%w: key %q is given twice", errInvalidArguments, canonical))
		default:
			parsed[canonical] = value
		}
	}

	if parsed[KeyOperation] == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", errInvalidArguments, KeyOperation))
	}

	return parsed, errors.Join(errs...)
}

func hasKey(m map[string]string, key string) bool {
	_, ok := m[key]

	return ok
}
