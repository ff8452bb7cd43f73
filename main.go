// main.go
package main

import "github.com/eogh234/auto-coin/cmd"

func main() {
	cmd.Execute()
}
