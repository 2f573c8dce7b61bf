package main

import "github.com/raftbed/raftbed/cmd"

func main() {
	cmd.Execute()
}
