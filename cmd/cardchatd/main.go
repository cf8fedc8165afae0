package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pcastanho/cardchat/internal/appdir"
	"github.com/pcastanho/cardchat/internal/config"
	"github.com/pcastanho/cardchat/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.cardchat/config.toml)")
	initFlag := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initFlag {
		path := *configFlag
		if path == "" {
			path = appdir.ConfigPath()
		}
		if err := config.Save(path, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s; fill in server and identity before starting\n", path)
		return
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
