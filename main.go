package main

import "github.com/oar-cd/hoist/cmd/root"

func main() {
	root.Execute()
}
