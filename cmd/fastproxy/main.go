package main

import "github.com/fastproxy/fastproxy/cmd/fastproxy/cmd"

func main() {
	cmd.Execute()
}
