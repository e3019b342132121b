// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "peer":
		requireDir(args, "peer")
		run(args[1], app.RunPeer)

	case "relay":
		requireDir(args, "relay")
		run(args[1], app.RunRelay)

	case "token":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: goopcall token <directory> <user-id> [display-name]")
			os.Exit(1)
		}
		name := ""
		if len(args) > 3 {
			name = args[3]
		}
		mintToken(args[1], args[2], name)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func requireDir(args []string, command string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: goopcall %s <directory>\n", command)
		os.Exit(1)
	}
}

// loadDir resolves dir and loads or creates its config file.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		logrus.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		logrus.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func run(dirArg string, fn func(context.Context, app.Options) error) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		logrus.Fatalf("Failed: %v", err)
	}
}

func mintToken(dirArg, userID, name string) {
	_, _, cfg := loadDir(dirArg)
	tok, err := app.MintToken(cfg, userID, name, "", time.Now())
	if err != nil {
		logrus.Fatalf("Token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("goopcall - 1:1 voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>                       Run a calling peer")
	fmt.Println("  goopcall relay <directory>                      Run the signaling relay")
	fmt.Println("  goopcall token <directory> <user-id> [name]     Mint a relay token")
	fmt.Println()
	fmt.Println("Each directory holds a goopcall.json configuration file; a default one")
	fmt.Println("is created on first start.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall relay ./relay")
	fmt.Println("  goopcall token ./relay alice Alice")
	fmt.Println("  goopcall peer ./peers/alice")
}
