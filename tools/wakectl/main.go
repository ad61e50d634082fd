package main

import "wakectl/cmd"

func main() {
	cmd.Execute()
}
