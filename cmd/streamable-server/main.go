// Command streamable-server serves the demo processor over the Streamable
// HTTP transport.
package main

import "github.com/ggoodman/mcp-streaming-http-go/cmd/streamable-server/cmd"

func main() {
	cmd.Execute()
}
