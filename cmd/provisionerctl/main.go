package main

import "github.com/oshokin/fabric-provisioner/cmd/provisionerctl/cmd"

func main() {
	cmd.Execute()
}
