// Package main is the entrypoint for the quilt mesh engine daemon.
package main

import "github.com/quiltmesh/quilt/internal/commands"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	commands.Execute(version)
}
