/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/killallgit/chatline/cmd"

func main() {
	cmd.Execute()
}
