package main

import "github.com/oshokin/fabric-provisioner/cmd/provisioner-server/cmd"

func main() {
	cmd.Execute()
}
