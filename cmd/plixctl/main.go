package main

import "plixmap/api/internal/cli"

func main() {
	cli.Execute()
}
