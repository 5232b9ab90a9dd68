package main

import "github.com/kvflow/kvflow/cmd"

func main() {
	cmd.Execute()
}
