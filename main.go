package main

import "github.com/perchfs/perch/cmd"

func main() {
	cmd.Execute()
}
