package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/khanyo/imbizo/internal/daemon"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "remind":
		runRemind(os.Args[2:])
	case "version":
		fmt.Printf("imbizo %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func configFlag(args []string, name string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "imbizo.yaml", "path to config file")
	fs.Parse(args)
	return *configPath
}

func runDaemon(args []string) {
	d, err := daemon.New(configFlag(args, "daemon"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon init: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runDispatch(args []string) {
	d, err := daemon.NewOneShot(configFlag(args, "dispatch"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch init: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	result, swept, err := d.DispatchOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("claimed=%d delivered=%d failed=%d dead_lettered=%d\n",
		result.Claimed, result.Delivered, result.Failed, swept)
}

func runRemind(args []string) {
	d, err := daemon.NewOneShot(configFlag(args, "remind"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "remind init: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	fired, err := d.RemindOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "remind: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("reminders_fired=%d\n", fired)
}

func printUsage() {
	fmt.Println(`imbizo - action log and notification dispatch engine

Usage:
  imbizo daemon   [--config path]   run the resident engine
  imbizo dispatch [--config path]   run one dispatch cycle and exit
  imbizo remind   [--config path]   fire due reminders once and exit
  imbizo version                    print version
  imbizo help                       show this help`)
}
