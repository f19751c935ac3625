package main

import "github.com/jmehdipour/shop-saga/cmd"

func main() {
	cmd.Execute()
}
