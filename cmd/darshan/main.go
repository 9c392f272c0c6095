package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ayusman/darshan/internal/app"
	"github.com/ayusman/darshan/internal/tray"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	noTray := flag.Bool("no-tray", false, "run without the system tray")
	flag.Parse()

	fmt.Println("Darshan - Face Recognition")

	webDir := findWebDir()
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	a, err := app.New(app.Config{StaticDir: webDir})
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer a.Close()

	go func() {
		fmt.Printf("Starting server on %s\n", *addr)
		if err := a.Server().ListenAndServe(*addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if *noTray {
		select {}
	}

	t := tray.New()
	t.OnToggle(a.SetEnabled)
	t.OnDashboard(func() {
		openBrowser("http://localhost" + *addr)
	})
	t.OnQuit(func() {
		a.Close()
	})

	// Keep the tray status lines current. Polling instead of a hub
	// subscription: a subscriber counts as a consumer and would keep idle
	// pipelines running.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			t.SetPipelineCount(a.Manager().ActiveCount())
			if ev, ok := a.Hub().LatestRecognition(); ok {
				if u := ev.User(); u != nil && u.PersonName != "" {
					t.SetLastPerson(u.PersonName)
				}
			}
		}
	}()

	// Blocks until quit is selected.
	t.Run()
}

// openBrowser opens the URL in the default browser; failures are logged only.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("Failed to open browser: %v", err)
	}
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.darshan/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".darshan", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
