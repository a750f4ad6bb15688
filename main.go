package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/brensch/stagehand/cmd"
)

func main() {
	cmd.Execute()
}
