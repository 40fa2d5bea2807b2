package main

import "github.com/tapedeck/tapedeck/cmd"

func main() {
	cmd.Execute()
}
