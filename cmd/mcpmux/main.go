// Command mcpmux is an aggregating proxy for the Model Context Protocol: to
// a single client it presents itself as one MCP server, while spawning and
// multiplexing any number of upstream MCP servers as child processes.
package main

import "github.com/mcpmux/mcpmux/cmd/mcpmux/cmd"

func main() {
	cmd.Execute()
}
