package main

import "github.com/cweska/DiscordEventBot/cmd"

func main() {
	cmd.Execute()
}
