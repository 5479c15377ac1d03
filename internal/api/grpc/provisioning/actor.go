package provisioning

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// Metadata keys naming the caller.
const (
	MetadataHostname = "x-provisioner-hostname"
	MetadataUsername = "x-provisioner-username"
)

// Actor identifies who issued a call, for the audit log.
type Actor struct {
	Hostname string
	Username string
}

// OutgoingContext attaches the actor to outgoing call metadata.
func (a Actor) OutgoingContext(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataHostname, a.Hostname, MetadataUsername, a.Username)
}

// ActorFromIncoming reads the caller from incoming call metadata. Missing values are empty.
func ActorFromIncoming(ctx context.Context) Actor {
	md, _ := metadata.FromIncomingContext(ctx)

	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}

		return ""
	}

	return Actor{
		Hostname: first(MetadataHostname),
		Username: first(MetadataUsername),
	}
}
