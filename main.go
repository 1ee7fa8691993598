package main

import (
	"github.com/arcward/warden/cmd"
)

func main() {
	cmd.Execute()
}
