package main

import "pensieve/cmd/client/cmd"

func main() {
	cmd.Execute()
}
