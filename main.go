// The main package for the consent-crawler executable.
package main

import (
	"github.com/cookiescope/consent-crawler/cmd"
)

func main() {
	cmd.Execute()
}
