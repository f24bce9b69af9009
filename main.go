package main

import "weave/loom/cmd"

func main() {
	cmd.Execute()
}
