package provisioning

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fabric-provisioner/internal/domain/apptype"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
)

// Request and response field names.
const (
	FieldLayoutTag              = "layout_tag"
	FieldIgnoreConflict         = "ignore_conflict"
	FieldCodeTag                = "code_tag"
	FieldConfigTag              = "config_tag"
	FieldInfrastructureTag      = "infrastructure_tag"
	FieldCurrent                = "current"
	FieldTarget                 = "target"
	FieldVersion                = "version"
	FieldVersions               = "versions"
	FieldApplicationTypeName    = "application_type_name"
	FieldApplicationTypeVersion = "application_type_version"
	FieldCodeVersion            = "code_version"
	FieldConfigVersion          = "config_version"
	FieldState                  = "state"
	FieldClusterManifestTag     = "cluster_manifest_tag"
	FieldProvisionedAt          = "provisioned_at"
	FieldUpdatedAt              = "updated_at"
)

// String returns a string field, or "" when it is absent.
func String(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// Bool returns a bool field, or false when it is absent.
func Bool(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

// Version parses a required "Code:Config" field.
func Version(in *structpb.Struct, key string) (fabric.Version, error) {
	raw := String(in, key)
	if raw == "" {
		return fabric.Version{}, errkind.New(errkind.KindValidation, "decode request", key, "field is required")
	}

	return fabric.ParseVersion(raw)
}

// NewStruct builds a message from plain Go values (string, bool, float64, []any, map[string]any).
func NewStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "encode message", "", err)
	}

	return out, nil
}

func typeVersionMessage(tv apptype.TypeVersion) (*structpb.Struct, error) {
	return NewStruct(map[string]any{
		FieldApplicationTypeName:    tv.Name,
		FieldApplicationTypeVersion: tv.Version,
	})
}

func versionMessage(v fabric.Version) (*structpb.Struct, error) {
	return NewStruct(map[string]any{
		FieldVersion:       v.String(),
		FieldCodeVersion:   v.Code,
		FieldConfigVersion: v.Config,
	})
}

func indexMessage(idx *registry.Index) (*structpb.Struct, error) {
	versions := make([]any, 0, len(idx.Versions))

	for _, r := range idx.Versions {
		versions = append(versions, map[string]any{
			FieldVersion:            r.Version.String(),
			FieldState:              r.State.String(),
			FieldCodeTag:            r.CodeTag,
			FieldClusterManifestTag: r.ClusterManifestTag,
			FieldInfrastructureTag:  r.InfrastructureTag,
			FieldProvisionedAt:      r.ProvisionedAt.UTC().Format(time.RFC3339),
			FieldUpdatedAt:          r.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	fields := map[string]any{FieldVersions: versions}
	if idx.Current != nil {
		fields[FieldCurrent] = idx.Current.String()
	}

	return NewStruct(fields)
}

// ParseIndex decodes a ListFabricVersions response.
func ParseIndex(in *structpb.Struct) (*registry.Index, error) {
	idx := new(registry.Index)

	if raw := String(in, FieldCurrent); raw != "" {
		v, err := fabric.ParseVersion(raw)
		if err != nil {
			return nil, err
		}

		idx.Current = &v
	}

	for _, item := range in.GetFields()[FieldVersions].GetListValue().GetValues() {
		fields := item.GetStructValue()

		v, err := Version(fields, FieldVersion)
		if err != nil {
			return nil, err
		}

		var state fabric.State
		if err = state.UnmarshalText([]byte(String(fields, FieldState))); err != nil {
			return nil, err
		}

		record := &fabric.Record{
			Version:            v,
			State:              state,
			CodeTag:            String(fields, FieldCodeTag),
			ClusterManifestTag: String(fields, FieldClusterManifestTag),
			InfrastructureTag:  String(fields, FieldInfrastructureTag),
		}

		record.ProvisionedAt, _ = time.Parse(time.RFC3339, String(fields, FieldProvisionedAt))
		record.UpdatedAt, _ = time.Parse(time.RFC3339, String(fields, FieldUpdatedAt))

		idx.Versions = append(idx.Versions, record)
	}

	return idx, nil
}
