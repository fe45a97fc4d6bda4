package main

import "github.com/ValentinKolb/tcsrpc/cmd"

func main() {
	cmd.Execute()
}
