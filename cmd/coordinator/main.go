// Package main is the coordinator entry point.
package main

import "yqhp/coordinator/internal/cli"

func main() {
	cli.Execute()
}
