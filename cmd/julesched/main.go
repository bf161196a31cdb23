package main

import "github.com/franklinbaldo/julesched/internal/cmd"

func main() {
	cmd.Execute()
}
