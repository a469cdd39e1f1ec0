package main

import "github.com/dalali-network/dalali/internal/cli"

func main() {
	cli.Execute()
}
