// Genesis — a plugin-extensible AI agent with a chat shell, an HTTP
// API, and a task scheduler.
package main

import "github.com/genesis-bot/genesis/pkg/cli"

func main() {
	cli.Execute()
}
