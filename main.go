package main

import "github.com/ValentinKolb/locktree/cmd"

func main() {
	cmd.Execute()
}
