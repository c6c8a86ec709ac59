package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/vksync/internal/daemon"
	"github.com/matheus3301/vksync/internal/session"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	flags := pflag.NewFlagSet("vksyncd", pflag.ExitOnError)
	sessionFlag := flags.StringP("session", "s", "", "session name (overrides config default)")
	configFlag := flags.String("config", "", "config file (default ~/.vksync/config.toml)")
	socketFlag := flags.String("socket", "", "socket path override")
	_ = flags.Parse(os.Args[1:])

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			SocketPath:  *socketFlag,
			ConfigPath:  *configFlag,
		}),
	)

	app.Run()
}
