package main

import "github.com/munlucky/moonbot/cmd"

func main() {
	cmd.Execute()
}
