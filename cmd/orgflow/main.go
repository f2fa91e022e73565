package main

import "github.com/orgflow/orgflow/internal/cli"

func main() {
	cli.Execute()
}
