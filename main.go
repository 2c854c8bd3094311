package main

import (
	"github.com/nextlevelbuilder/goclaw-bridge/cmd/bridge"
)

func main() {
	bridge.Execute()
}
