package main

import "otc-settlement/internal/cli"

func main() {
	cli.Execute()
}
