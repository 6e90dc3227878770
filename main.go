package main

import "github.com/tourlytics/poipipe/cmd"

func main() {
	cmd.Execute()
}
