package main

import "github.com/brensch/edgarsync/cmd"

func main() {
	cmd.Execute()
}
