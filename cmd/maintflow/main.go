package main

import "maintflow/internal/cli"

func main() {
	cli.Execute()
}
