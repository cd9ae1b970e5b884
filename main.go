package main

import "github.com/tidewater-labs/concierge/cmd"

func main() {
	cmd.Execute()
}
