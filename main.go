package main

import "github.com/encodeous/meshbridge/cmd"

func main() {
	cmd.Execute()
}
