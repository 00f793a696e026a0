package main

import "github.com/Independent-Federal-Investigation-Club/plana-core/cmd"

func main() {
	cmd.Execute()
}
