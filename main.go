package main

import "github.com/driftworks/conduit/cmd"

func main() {
	cmd.Execute()
}
