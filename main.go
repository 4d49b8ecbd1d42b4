package main

import "github.com/arcmoss/oubliette/cmd"

func main() {
	cmd.Execute()
}
