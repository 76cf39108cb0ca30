package main

import "github.com/techulus/cloud-control/cmd"

func main() {
	cmd.Execute()
}
