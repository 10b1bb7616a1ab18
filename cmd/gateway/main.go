// Command gateway is the mcp-gateway entrypoint: it wires the build-time
// version into the cobra root command and runs the CLI.
package main

import "github.com/giantswarm/mcp-gateway/cmd"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
