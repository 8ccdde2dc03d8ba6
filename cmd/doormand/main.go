package main

import "github.com/chriss-de/doorman/v2/internal/cmd"

func main() {
	cmd.Execute()
}
