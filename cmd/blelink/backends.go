package main

import (
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/bridge/goble"
)

const defaultBackend = goble.BackendName

func init() {
	bridge.Register(goble.BackendName, goble.Open)
}
