package main

import (
	"log"

	"chulah/checkout/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("checkout service failed: %v", err)
	}
}
