package main

import "github.com/keywarden/keywarden/cmd/keywarden/cmd"

func main() {
	cmd.Execute()
}
