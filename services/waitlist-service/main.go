package main

import "github.com/alatar/waitlist/services/waitlist-service/internal/app"

func main() {
	app.Execute()
}
