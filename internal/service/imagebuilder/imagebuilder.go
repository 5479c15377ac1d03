package imagebuilder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/service/engine"
)

// SchemaValidator checks a manifest against a schema file. Schema
// validation itself is external to this project.
type SchemaValidator interface {
	Validate(ctx context.Context, schemaPath, manifestPath string) error
}

// NoSchema accepts every manifest.
type NoSchema struct{}

// Validate implements SchemaValidator.
func (NoSchema) Validate(context.Context, string, string) error {
	return nil
}

// Options configures Run.
type Options struct {
	// Config supplies store defaults and builder settings; nil uses config.Default.
	Config *config.Config
	// Engine overrides collaborators; StoreAddress is taken from storeRoot.
	Engine engine.Options
	// Schema is called with schemaPath before manifests are used; nil uses NoSchema.
	Schema SchemaValidator
}

// Run executes one builder invocation and returns the process exit code.
// Failures are also reported as "<exit code>,<message>" to the errorDetails file, when given.
func Run(ctx context.Context, args []string, opts Options) int {
	ctx = logger.WithName(ctx, "image-builder")

	parsed, err := ParseArgs(args)
	if errors.Is(err, ErrNoArguments) {
		logger.Error(ctx, "No arguments given, expected key:value pairs")

		return ExitNoArguments
	}

	if err == nil {
		err = run(ctx, parsed, opts)
	}

	code := ExitCode(err)
	if err == nil {
		return code
	}

	logger.ErrorKV(ctx, "Image builder failed", "operation", parsed[KeyOperation], "exit_code", code, "error", err)

	if path := parsed[KeyErrorDetails]; path != "" {
		details := fmt.Sprintf("%d,%s", code, Message(err))

		writeErr := fsutil.AtomicWrite(resolve(parsed[KeyWorkingDir], path), []byte(details), fsutil.FileMode)
		if writeErr != nil {
			logger.WarnKV(ctx, "Failed to write error details", "path", path, "error", writeErr)
		}
	}

	return code
}

func run(ctx context.Context, args map[string]string, opts Options) error {
	op, err := decodeOperation(args)
	if err != nil {
		return err
	}

	c := op.common()
	ctx = logger.WithKV(ctx, "operation", c.Operation)

	if c.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.Deadline())
		defer cancel()
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	engineOpts := opts.Engine
	engineOpts.StoreAddress = storeAddress(c.WorkingDir, c.StoreRoot)

	eng, err := engine.Open(ctx, cfg, engineOpts)
	if err != nil {
		return err
	}

	defer func() {
		_ = eng.Close()
	}()

	schema := opts.Schema
	if schema == nil {
		schema = NoSchema{}
	}

	// Local paths are relative to the working directory.
	if o, ok := op.(*BuildApplicationType); ok {
		o.BuildPath = resolve(c.WorkingDir, o.BuildPath)
	}

	logger.InfoKV(ctx, "Image builder started", "store", engineOpts.StoreAddress)

	result, err := op.execute(ctx, &runtime{engine: eng, schema: schema})
	if err != nil {
		return err
	}

	if out := op.output(); out != "" && result != "" {
		if err = fsutil.AtomicWrite(resolve(c.WorkingDir, out), []byte(result), fsutil.FileMode); err != nil {
			return errkind.Wrap(errkind.KindFatal, "write output", out, err)
		}
	}

	logger.InfoKV(ctx, "Image builder finished", "result", result)

	return nil
}

// storeAddress turns storeRoot into a store address. A plain directory becomes a local store.
func storeAddress(workingDir, root string) string {
	switch {
	case root == "":
		return ""
	case strings.HasPrefix(root, "file:"), strings.HasPrefix(root, "s3://"):
		return root
	default:
		return "file:" + resolve(workingDir, root)
	}
}

func resolve(workingDir, path string) string {
	if workingDir == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workingDir, path)
}
