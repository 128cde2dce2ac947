package main

import "github.com/andresmejia3/puppysense/cmd"

func main() {
	cmd.Execute()
}
