// Command dockwatchctl follows a dockwatch backend from the terminal.
package main

import "github.com/web-casa/dockwatch/cmd/dockwatchctl/cmd"

func main() {
	cmd.Execute()
}
