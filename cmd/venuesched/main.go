package main

import "github.com/example/venue-scheduler/cmd"

func main() {
	cmd.Execute()
}
