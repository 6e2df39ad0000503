//go:build linux

package main

import (
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/bridge/tinygo"
)

func init() {
	bridge.Register(tinygo.BackendName, tinygo.Open)
}
