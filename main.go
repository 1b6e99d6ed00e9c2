package main

import "github.com/phaabe/live.moafunk.de/cmd"

func main() {
	cmd.Execute()
}
