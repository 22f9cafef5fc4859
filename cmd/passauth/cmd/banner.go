package cmd

import (
	"fmt"
)

const banner = `
  _____               _______      _   _
 |  __ \             |  ___  |    | | | |
 | |__) |_ _ ___ ___ | |___| |_  _| |_| |__
 |  ___/ _` + "`" + ` / __/ __||  ___  | | | | __| '_ \
 | |  | (_| \__ \__ \| |   | | |_| | |_| | | |
 |_|   \__,_|___/___/|_|   |_|\__,_|\__|_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Session-Aware API Runtime - Version %s\x1b[0m\n\n", Version)
}
