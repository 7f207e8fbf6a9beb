package main

import "github.com/ValentinKolb/cabinkv/cmd"

func main() {
	cmd.Execute()
}
