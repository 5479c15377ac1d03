package imagebuilder

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/service/engine"
)

// Operation names.
const (
	OpBuildApplicationType    = "BuildApplicationType"
	OpGetFabricVersion        = "GetFabricVersion"
	OpProvisionFabric         = "ProvisionFabric"
	OpUpgradeFabric           = "UpgradeFabric"
	OpUnprovisionFabric       = "UnprovisionFabric"
	OpDelete                  = "Delete"
	OpValidateClusterManifest = "ValidateClusterManifest"
)

// Common holds the arguments every operation accepts.
type Common struct {
	Operation string `mapstructure:"operation" validate:"required"`
	// StoreRoot is a store address or a local directory; empty uses the configured store.
	StoreRoot    string `mapstructure:"storeRoot"`
	SchemaPath   string `mapstructure:"schemaPath"`
	WorkingDir   string `mapstructure:"workingDir"`
	ErrorDetails string `mapstructure:"errorDetails"`
	// Timeout is in seconds; zero means no deadline.
	Timeout int `mapstructure:"timeout" validate:"gte=0"`
}

func (c *Common) common() *Common {
	return c
}

// Deadline returns the timeout as a duration.
func (c *Common) Deadline() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// runtime is what an operation executes against.
type runtime struct {
	engine *engine.Engine
	schema SchemaValidator
}

// operation is one validated builder invocation. execute returns the text for the output file.
type operation interface {
	common() *Common
	output() string
	execute(ctx context.Context, rt *runtime) (string, error)
}

// BuildApplicationType publishes the application type in a local build layout.
type BuildApplicationType struct {
	Common `mapstructure:",squash"`

	BuildPath      string `mapstructure:"buildPath" validate:"required"`
	Output         string `mapstructure:"output"`
	IgnoreConflict bool   `mapstructure:"ignoreConflict"`
}

func (o *BuildApplicationType) output() string { return o.Output }

func (o *BuildApplicationType) execute(ctx context.Context, rt *runtime) (string, error) {
	if err := rt.schema.Validate(ctx, o.SchemaPath, o.BuildPath); err != nil {
		return "", errkind.Wrap(errkind.KindValidation, "build", o.BuildPath, err)
	}

	tv, err := rt.engine.Builder.Build(ctx, o.BuildPath, o.IgnoreConflict)
	if err != nil {
		return "", err
	}

	return tv.String(), nil
}

// GetFabricVersion resolves the fabric version of staged code and config artifacts.
type GetFabricVersion struct {
	Common `mapstructure:",squash"`

	CodePath   string `mapstructure:"codePath" validate:"required_without=ConfigPath"`
	ConfigPath string `mapstructure:"configPath"`
	Output     string `mapstructure:"output" validate:"required"`
}

func (o *GetFabricVersion) output() string { return o.Output }

func (o *GetFabricVersion) execute(ctx context.Context, rt *runtime) (string, error) {
	v, err := rt.engine.Pipeline.ResolveVersion(ctx, o.CodePath, o.ConfigPath)
	if err != nil {
		return "", err
	}

	return v.String(), nil
}

// ProvisionFabric publishes staged fabric artifacts as a release.
type ProvisionFabric struct {
	Common `mapstructure:",squash"`

	CodePath       string `mapstructure:"codePath" validate:"required_without=ConfigPath"`
	ConfigPath     string `mapstructure:"configPath" validate:"required_with=Infrastructure"`
	Infrastructure string `mapstructure:"im"`
	Output         string `mapstructure:"output"`
}

func (o *ProvisionFabric) output() string { return o.Output }

func (o *ProvisionFabric) execute(ctx context.Context, rt *runtime) (string, error) {
	if o.ConfigPath != "" {
		if err := rt.schema.Validate(ctx, o.SchemaPath, o.ConfigPath); err != nil {
			return "", errkind.Wrap(errkind.KindValidation, "provision", o.ConfigPath, err)
		}
	}

	v, err := rt.engine.Pipeline.Provision(ctx, o.CodePath, o.ConfigPath, o.Infrastructure)
	if err != nil {
		return "", err
	}

	return v.String(), nil
}

// UpgradeFabric moves the cluster between two provisioned versions.
type UpgradeFabric struct {
	Common `mapstructure:",squash"`

	CurrentFabricVersion fabric.Version `mapstructure:"currentFabricVersion" validate:"required"`
	TargetFabricVersion  fabric.Version `mapstructure:"targetFabricVersion" validate:"required"`
	Output               string         `mapstructure:"output"`
}

func (o *UpgradeFabric) output() string { return o.Output }

func (o *UpgradeFabric) execute(ctx context.Context, rt *runtime) (string, error) {
	if err := rt.engine.Pipeline.Upgrade(ctx, o.CurrentFabricVersion, o.TargetFabricVersion); err != nil {
		return "", err
	}

	return o.TargetFabricVersion.String(), nil
}

// UnprovisionFabric removes a provisioned version that the cluster does not run.
type UnprovisionFabric struct {
	Common `mapstructure:",squash"`

	TargetFabricVersion fabric.Version `mapstructure:"targetFabricVersion" validate:"required"`
}

func (o *UnprovisionFabric) output() string { return "" }

func (o *UnprovisionFabric) execute(ctx context.Context, rt *runtime) (string, error) {
	return "", rt.engine.Pipeline.Unprovision(ctx, o.TargetFabricVersion)
}

// Delete removes a tag from the store.
type Delete struct {
	Common `mapstructure:",squash"`

	Input string `mapstructure:"input" validate:"required"`
}

func (o *Delete) output() string { return "" }

func (o *Delete) execute(ctx context.Context, rt *runtime) (string, error) {
	return "", rt.engine.Pipeline.Delete(ctx, o.Input)
}

// ValidateClusterManifest checks a staged cluster manifest against the running version.
type ValidateClusterManifest struct {
	Common `mapstructure:",squash"`

	ConfigPath string `mapstructure:"configPath" validate:"required"`
}

func (o *ValidateClusterManifest) output() string { return "" }

func (o *ValidateClusterManifest) execute(ctx context.Context, rt *runtime) (string, error) {
	if err := rt.schema.Validate(ctx, o.SchemaPath, o.ConfigPath); err != nil {
		return "", errkind.Wrap(errkind.KindValidation, "validate", o.ConfigPath, err)
	}

	data, err := content.ReadFile(ctx, rt.engine.Store, o.ConfigPath)
	if err != nil {
		return "", err
	}

	return "", rt.engine.Pipeline.ValidateClusterManifest(ctx, data)
}

// operations maps lower-cased operation names to their config constructors.
//
//nolint:gochecknoglobals // Fixed dispatch table.
var operations = map[string]func() operation{
	strings.ToLower(OpBuildApplicationType):    func() operation { return new(BuildApplicationType) },
	strings.ToLower(OpGetFabricVersion):        func() operation { return new(GetFabricVersion) },
	strings.ToLower(OpProvisionFabric):         func() operation { return new(ProvisionFabric) },
	strings.ToLower(OpUpgradeFabric):           func() operation { return new(UpgradeFabric) },
	strings.ToLower(OpUnprovisionFabric):       func() operation { return new(UnprovisionFabric) },
	strings.ToLower(OpDelete):                  func() operation { return new(Delete) },
	strings.ToLower(OpValidateClusterManifest): func() operation { return new(ValidateClusterManifest) },
}

//nolint:gochecknoglobals // Validator instances cache struct metadata and are meant to be shared.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their argument key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" {
			return f.Name
		}

		return name
	})

	return v
}

// decodeOperation builds the validated config of the requested operation.
// Keys the operation does not take are argument errors.
func decodeOperation(args map[string]string) (operation, error) {
	name := args[KeyOperation]

	newOp, ok := operations[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", errInvalidArguments, name)
	}

	op := newOp()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           op,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
	})
	if err != nil {
		return nil, err
	}

	if err = decoder.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errInvalidArguments, name, err)
	}

	if err = validate.Struct(op); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errInvalidArguments, name, formatValidationError(err))
	}

	return op, nil
}

// formatValidationError renders one message per offending key.
func formatValidationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	messages := make([]string, 0, len(fieldErrors))

	for _, fe := range fieldErrors {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fe.Field()+" is required")
		case "required_without":
			messages = append(messages, fmt.Sprintf("%s or %s is required", fe.Field(), keyOf(fe.Param())))
		case "required_with":
			messages = append(messages, fmt.Sprintf("%s is required with %s", fe.Field(), keyOf(fe.Param())))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
		}
	}

	return errors.New(strings.Join(messages, "; "))
}

// keyOf maps a struct field name used in validator params to its argument key.
func keyOf(field string) string {
	switch field {
	case "ConfigPath":
		return KeyConfigPath
	case "Infrastructure":
		return KeyInfrastructure
	default:
		return field
	}
}
