package main

import "go.pilab.hu/fedauth/cmd/authctl/cmd"

func main() {
	cmd.Execute()
}
