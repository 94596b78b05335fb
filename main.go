package main

import "github.com/plexstash/plexstash/cmd"

func main() {
	cmd.Execute()
}
