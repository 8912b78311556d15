package main

import "github.com/metal-toolbox/firmware-registry/cmd"

func main() {
	cmd.Execute()
}
