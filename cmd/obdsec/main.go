package main

import (
	"log"

	"github.com/shaunagostinho/obdsec/internal/cli"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	cli.Execute()
}
