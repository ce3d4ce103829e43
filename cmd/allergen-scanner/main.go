package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"allergen-scanner/internal/analysis"
	"allergen-scanner/internal/app"
	"allergen-scanner/internal/capture"
	"allergen-scanner/internal/config"
	"allergen-scanner/internal/database"
	"allergen-scanner/internal/labelpage"
	"allergen-scanner/internal/profile"
)

func main() {
	ctx := context.Background()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	profileStore := profile.NewStore(db.SQL)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scan":
		if len(os.Args) < 3 {
			log.Fatal("Usage: allergen-scanner scan <image-file>")
		}
		data, err := capture.ReadImageFile(os.Args[2])
		if err != nil {
			log.Fatalf("Failed to read image: %v", err)
		}
		controller := newController(ctx, cfg, profileStore, nil)
		waitAndPrint(controller, func() error {
			controller.OpenScanner(ctx)
			return controller.ScanImage(ctx, data)
		})
	case "scan-url":
		if len(os.Args) < 3 {
			log.Fatal("Usage: allergen-scanner scan-url <url>")
		}
		controller := newController(ctx, cfg, profileStore, nil)
		url := os.Args[2]
		waitAndPrint(controller, func() error {
			controller.OpenScanner(ctx)
			return controller.ScanURL(ctx, url)
		})
	case "camera-scan":
		if cfg.CameraStreamURL == "" {
			log.Fatal("CAMERA_STREAM_URL environment variable not set")
		}
		camera := capture.NewProvider(
			capture.NewMJPEGDevice(cfg.CameraStreamURL),
			capture.Constraints{Width: cfg.CameraFrameWidth, Height: cfg.CameraFrameHeight},
		)
		controller := newController(ctx, cfg, profileStore, camera)
		defer controller.Shutdown()
		waitAndPrint(controller, func() error {
			controller.OpenScanner(ctx)
			if msg := controller.State().ErrorMessage; msg != "" {
				return fmt.Errorf("%s", msg)
			}
			return captureFirstFrame(ctx, controller)
		})
	case "profile":
		runProfileCommand(ctx, profileStore, os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func newController(ctx context.Context, cfg *config.Config, store *profile.Store, camera app.CaptureProvider) *app.Controller {
	analyzer, err := analysis.NewGeminiClient(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create Gemini client: %v", err)
	}
	return app.NewController(ctx, analyzer, store, camera, labelpage.NewFetcher())
}

// captureFirstFrame polls until the stream produces a decodable frame.
// MJPEG cameras often need a moment after the connection opens.
func captureFirstFrame(ctx context.Context, controller *app.Controller) error {
	for attempt := 0; attempt < 10; attempt++ {
		if err := controller.CaptureFromCamera(ctx); err != nil {
			return err
		}
		if controller.State().View == app.ViewResult {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("camera produced no frame")
}

// waitAndPrint runs the scan and blocks until the controller resolves it,
// then prints the outcome.
func waitAndPrint(controller *app.Controller, run func() error) {
	done := make(chan app.State, 1)
	controller.SetListener(func(s app.State) {
		if s.View == app.ViewResult && !s.IsAnalyzing && (s.LastResult != nil || s.ErrorMessage != "") {
			select {
			case done <- s:
			default:
			}
		}
	})

	if err := run(); err != nil {
		log.Fatalf("Scan failed: %v", err)
	}

	select {
	case s := <-done:
		if s.ErrorMessage != "" {
			log.Fatalf("Scan failed: %s", s.ErrorMessage)
		}
		printResult(s.LastResult)
	case <-time.After(2 * time.Minute):
		log.Fatal("Scan timed out")
	}
}

func printResult(r *analysis.Result) {
	fmt.Printf("Risk level: %s\n", r.RiskLevel)
	if len(r.DetectedAllergens) > 0 {
		fmt.Println("Detected terms:")
		for _, term := range r.DetectedAllergens {
			fmt.Printf("  - %s\n", term)
		}
	}
	fmt.Printf("Reasoning: %s\n", r.Reasoning)
}

func runProfileCommand(ctx context.Context, store *profile.Store, args []string) {
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	p := store.Load(ctx)

	switch args[0] {
	case "list":
		if p.DisplayName != "" {
			fmt.Printf("Name: %s\n", p.DisplayName)
		}
		if len(p.Allergens) == 0 {
			fmt.Println("No allergens saved.")
			return
		}
		for _, a := range p.Allergens {
			fmt.Printf("  - %s\n", a)
		}
	case "add":
		if len(args) < 2 {
			log.Fatal("Usage: allergen-scanner profile add <allergen>")
		}
		if !p.AddAllergen(args[1]) {
			fmt.Println("Already in the list (or empty input).")
			return
		}
		if err := store.Save(ctx, p); err != nil {
			log.Fatalf("Failed to save profile: %v", err)
		}
		fmt.Printf("Added %q.\n", strings.TrimSpace(args[1]))
	case "remove":
		if len(args) < 2 {
			log.Fatal("Usage: allergen-scanner profile remove <allergen>")
		}
		if !p.RemoveAllergen(args[1]) {
			fmt.Println("Not in the list.")
			return
		}
		if err := store.Save(ctx, p); err != nil {
			log.Fatalf("Failed to save profile: %v", err)
		}
		fmt.Printf("Removed %q.\n", args[1])
	case "name":
		if len(args) < 2 {
			log.Fatal("Usage: allergen-scanner profile name <display name>")
		}
		p.DisplayName = strings.Join(args[1:], " ")
		if err := store.Save(ctx, p); err != nil {
			log.Fatalf("Failed to save profile: %v", err)
		}
		fmt.Printf("Saved name %q.\n", p.DisplayName)
	default:
		fmt.Printf("Unknown profile command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: allergen-scanner <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  scan <image-file>       Analyze a label photo against your allergen list")
	fmt.Println("  scan-url <url>          Analyze a product page against your allergen list")
	fmt.Println("  camera-scan             Capture a frame from the configured camera and analyze it")
	fmt.Println("  profile list            Show your allergen profile")
	fmt.Println("  profile add <name>      Add an allergen")
	fmt.Println("  profile remove <name>   Remove an allergen")
	fmt.Println("  profile name <name>     Set your display name")
}
