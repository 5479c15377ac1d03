package main

import "github.com/oshokin/fabric-provisioner/cmd/image-builder/cmd"

func main() {
	cmd.Execute()
}
