package main

import (
	"grid-trader/internal/cli"
)

func main() {
	cli.Execute()
}
