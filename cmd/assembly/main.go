// Package main is the entry point for the assembly command.
package main

func main() {
	Execute()
}
