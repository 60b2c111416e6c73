// Command hookscan scans a page for interactive elements and prints the
// registry as JSON. It runs the same scan pipeline as the configurator,
// so signatures printed here match what the API stores.
//
// Usage:
//
//	hookscan -html page.html                  # scan a saved page
//	hookscan -html page.html -layout r.json   # with measured boxes
//	hookscan -url https://example.com         # scan a live page
//	hookscan -url https://example.com -groups
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/groups"
	"github.com/vireolabs/hookmark/livedom"
	"github.com/vireolabs/hookmark/scanner"
	"github.com/vireolabs/hookmark/signature"
)

func main() {
	htmlPath := flag.String("html", "", "path to an HTML file to scan")
	layoutPath := flag.String("layout", "", "path to a JSON layout map (element path to rect)")
	pageURL := flag.String("url", "", "scan a live page in a browser instead of a file")
	wait := flag.Duration("wait", 2*time.Second, "settle time after load before snapshotting a live page")
	headful := flag.Bool("headful", false, "run the browser with a visible window")
	withGroups := flag.Bool("groups", false, "include detected element groups")
	kind := flag.String("kind", "", "only print elements of this kind: click, submit, change, input")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *htmlPath, *pageURL, *layoutPath, *kind, *wait, *headful, *withGroups); err != nil {
		logger.Error("hookscan: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, htmlPath, pageURL, layoutPath, kind string, wait time.Duration, headful, withGroups bool) error {
	if htmlPath != "" {
		return runFile(logger, htmlPath, layoutPath, kind, withGroups)
	}
	if pageURL != "" {
		return runLive(ctx, logger, pageURL, kind, wait, headful, withGroups)
	}

	fmt.Fprintln(os.Stderr, "usage: hookscan -html <file> | -url <url>")
	os.Exit(1)
	return nil
}

func runFile(logger *slog.Logger, htmlPath, layoutPath, kind string, withGroups bool) error {
	raw, err := os.ReadFile(htmlPath)
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}

	var layout map[string]domtree.Rect
	if layoutPath != "" {
		data, err := os.ReadFile(layoutPath)
		if err != nil {
			return fmt.Errorf("read layout: %w", err)
		}
		if err := json.Unmarshal(data, &layout); err != nil {
			return fmt.Errorf("parse layout: %w", err)
		}
	}

	return report(logger, string(raw), layout, htmlPath, kind, withGroups)
}

func runLive(ctx context.Context, logger *slog.Logger, pageURL, kind string, wait time.Duration, headful, withGroups bool) error {
	src, err := livedom.Open(ctx, livedom.Config{Headful: headful}, logger)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer src.Close()

	h, err := src.Page(ctx, pageURL)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer h.Close()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	html, layout, err := h.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return report(logger, html, layout, pageURL, kind, withGroups)
}

func report(logger *slog.Logger, html string, layout map[string]domtree.Rect, page, kind string, withGroups bool) error {
	opts := []domtree.ParseOption{domtree.WithSanitize()}
	if len(layout) > 0 {
		opts = append(opts, domtree.WithLayout(layout))
	}
	doc, err := domtree.ParseString(html, opts...)
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}

	eng := signature.MustNew(signature.Config{})
	sc := scanner.New(doc, eng, scanner.Config{}, logger)
	reg := sc.Scan()

	els := reg.All()
	if kind != "" {
		kept := els[:0]
		for _, el := range els {
			if el.Kind == scanner.Kind(kind) {
				kept = append(kept, el)
			}
		}
		els = kept
	}

	out := struct {
		Page     string                   `json:"page"`
		Elements []scanner.ScannedElement `json:"elements"`
		Groups   []groups.Group           `json:"groups,omitempty"`
	}{Page: page, Elements: els}

	if withGroups {
		gs, err := groups.New(groups.Config{}, logger).Detect(doc, eng, reg)
		if err != nil {
			return fmt.Errorf("detect groups: %w", err)
		}
		out.Groups = gs
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
