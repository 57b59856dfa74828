package main

import "tapbench/cmd"

func main() {
	cmd.Execute()
}
