package main

import "capture-recorder/cmd"

func main() {
	cmd.Execute()
}
