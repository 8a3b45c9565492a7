package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/chargepeer/cmd/cpeer-charge-controller/app"
)

func main() {
	app.NewApp().Run()
}
