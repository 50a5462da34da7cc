package main

import "github.com/jiyundev/agentbridge/cmd"

func main() {
	cmd.Execute()
}
