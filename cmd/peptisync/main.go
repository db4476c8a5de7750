package main

import (
	"github.com/joho/godotenv"

	"peptisync/internal/cli"
)

func main() {
	_ = godotenv.Load()
	cli.Execute()
}
