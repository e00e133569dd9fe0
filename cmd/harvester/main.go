package main

import "github.com/Togather-Foundation/harvester/cmd/harvester/cmd"

func main() {
	cmd.Execute()
}
