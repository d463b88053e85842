package main

import (
	"fmt"
	"os"

	"github.com/atproto-tools/atmigrate/services/migration"
)

func main() {
	if err := migration.ServiceCommand().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
