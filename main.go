package main

import (
	"os"

	"riskdesk/core/appbootstrap"
)

func main() {
	if err := appbootstrap.Run(); err != nil {
		os.Exit(1)
	}
}
