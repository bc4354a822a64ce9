// The main package for the trendkeeper executable.
package main

import (
	"github.com/trendkeeper/trendkeeper/cmd"
)

func main() {
	cmd.Execute()
}
