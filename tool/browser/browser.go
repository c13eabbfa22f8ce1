// Package browser exposes headless Chrome automation as tools: page
// navigation, text extraction and screenshots. Each invocation runs in a
// fresh browser context so concurrent calls never share page state.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/probemesh/probemesh/tool"
)

// ProviderName identifies the browser provider in the registry.
const ProviderName = "browser"

const defaultPageTimeout = 45 * time.Second

// NavigateResult is the structured return value of browser_navigate.
type NavigateResult struct {
	URL      string `json:"url"`
	FinalURL string `json:"final_url"`
	Title    string `json:"title"`
	Text     string `json:"text"`
}

// ScreenshotResult is the structured return value of browser_screenshot.
type ScreenshotResult struct {
	URL       string `json:"url"`
	Format    string `json:"format"`
	PNGBase64 string `json:"png_base64"`
	SizeBytes int    `json:"size_bytes"`
}

// runFunc executes a chromedp action list against a fresh page. Swapped out
// in tests where no Chrome binary is available.
type runFunc func(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error

// Option configures the provider.
type Option func(*settings)

type settings struct {
	pageTimeout time.Duration
	maxTextSize int
	run         runFunc
}

// WithPageTimeout bounds how long one page interaction may take.
func WithPageTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pageTimeout = d
		}
	}
}

// WithMaxTextSize caps the extracted page text returned to the model.
func WithMaxTextSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxTextSize = n
		}
	}
}

func withRunFunc(run runFunc) Option {
	return func(s *settings) { s.run = run }
}

// NewProvider assembles the browser tool set.
func NewProvider(opts ...Option) *tool.StaticProvider {
	cfg := &settings{
		pageTimeout: defaultPageTimeout,
		maxTextSize: 32 << 10,
		run:         runChrome,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return tool.NewStaticProvider(ProviderName,
		newNavigateTool(cfg),
		newExtractTool(cfg),
		newScreenshotTool(cfg),
	)
}

// runChrome spins up a headless browser context and runs the actions.
func runChrome(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("window-size", "1920,1080"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, timeout)
	defer cancelRun()

	return chromedp.Run(runCtx, actions...)
}

func urlSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"url": map[string]any{
			"type":        "string",
			"description": "Page URL to open",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"url"},
	}
}

func newNavigateTool(cfg *settings) tool.Tool {
	return tool.NewFunctionTool(
		"browser_navigate",
		"Open a page in a headless browser and return its title and rendered text",
		urlSchema(nil),
		func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)

			var title, text, finalURL string
			err := cfg.run(ctx, cfg.pageTimeout,
				chromedp.Navigate(url),
				chromedp.WaitReady("body"),
				chromedp.Title(&title),
				chromedp.Location(&finalURL),
				chromedp.Text("body", &text, chromedp.ByQuery),
			)
			if err != nil {
				return nil, fmt.Errorf("navigate %s: %w", url, err)
			}
			return &NavigateResult{
				URL:      url,
				FinalURL: finalURL,
				Title:    title,
				Text:     clip(text, cfg.maxTextSize),
			}, nil
		},
	).WithTags("web", "browser")
}

func newExtractTool(cfg *settings) tool.Tool {
	schema := urlSchema(map[string]any{
		"selector": map[string]any{
			"type":        "string",
			"description": "CSS selector to extract text from (default body)",
		},
	})
	return tool.NewFunctionTool(
		"browser_extract_text",
		"Extract the rendered text of a CSS selector from a page",
		schema,
		func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			selector, _ := args["selector"].(string)
			if selector == "" {
				selector = "body"
			}

			var text string
			err := cfg.run(ctx, cfg.pageTimeout,
				chromedp.Navigate(url),
				chromedp.WaitReady("body"),
				chromedp.Text(selector, &text, chromedp.ByQuery),
			)
			if err != nil {
				return nil, fmt.Errorf("extract %q from %s: %w", selector, url, err)
			}
			return clip(text, cfg.maxTextSize), nil
		},
	).WithTags("web", "browser")
}

func newScreenshotTool(cfg *settings) tool.Tool {
	schema := urlSchema(map[string]any{
		"full_page": map[string]any{
			"type":        "boolean",
			"description": "Capture the full scroll height instead of the viewport",
		},
	})
	return tool.NewFunctionTool(
		"browser_screenshot",
		"Capture a PNG screenshot of a page, returned base64 encoded",
		schema,
		func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			fullPage, _ := args["full_page"].(bool)

			var buf []byte
			capture := chromedp.CaptureScreenshot(&buf)
			if fullPage {
				capture = chromedp.FullScreenshot(&buf, 90)
			}
			err := cfg.run(ctx, cfg.pageTimeout,
				chromedp.Navigate(url),
				chromedp.WaitReady("body"),
				capture,
			)
			if err != nil {
				return nil, fmt.Errorf("screenshot %s: %w", url, err)
			}
			return &ScreenshotResult{
				URL:       url,
				Format:    "png",
				PNGBase64: base64.StdEncoding.EncodeToString(buf),
				SizeBytes: len(buf),
			}, nil
		},
	).WithTags("web", "browser", "screenshot")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
