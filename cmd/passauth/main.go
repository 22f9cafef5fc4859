package main

import "github.com/pkeller/passauth/cmd/passauth/cmd"

func main() {
	cmd.Execute()
}
