package main

import "github.com/dbsmedya/posmirror/cmd/posmirror/cmd"

func main() {
	cmd.Execute()
}
