package main

import "github.com/iksnae/session-vault/cmd"

func main() {
	cmd.Execute()
}
