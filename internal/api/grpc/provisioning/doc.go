// Package provisioning implements the gRPC transport for the provisioning service.
//
// The service descriptor is registered by hand and every message is a
// google.protobuf.Struct, so no generated code is needed. Error kinds travel
// as status codes and are restored on the client side.
package provisioning
