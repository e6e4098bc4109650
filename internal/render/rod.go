// internal/render/rod.go
package render

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"docgen/internal/common/logger"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodLauncher starts headless Chrome processes through go-rod.
type RodLauncher struct {
	config *LaunchConfig
	logger logger.Logger
}

func NewRodLauncher(config *LaunchConfig, log logger.Logger) *RodLauncher {
	return &RodLauncher{
		config: config,
		logger: log.WithFields(map[string]interface{}{"component": "rod-launcher"}),
	}
}

func (l *RodLauncher) Launch(ctx context.Context) (Browser, error) {
	lc := launcher.New().
		Context(ctx).
		Headless(true).
		Leakless(true).
		NoSandbox(l.config.NoSandbox)
	if l.config.BrowserBin != "" {
		lc = lc.Bin(l.config.BrowserBin)
	}

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	l.logger.Debug("chrome started", map[string]interface{}{"pid": lc.PID()})
	return &rodBrowser{browser: browser, launcher: lc}, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   atomic.Bool
}

func (b *rodBrowser) PrintPDF(ctx context.Context, html string, opts PageOptions) ([]byte, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := page.SetDocumentContent(html); err != nil {
		return nil, fmt.Errorf("set content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	opts = opts.Normalize()
	width, height := opts.SizeMM()
	margin := mmToInches(opts.MarginMM)
	stream, err := page.PDF(&proto.PagePrintToPDF{
		Landscape:       opts.Landscape,
		PrintBackground: true,
		PaperWidth:      floatPtr(mmToInches(width)),
		PaperHeight:     floatPtr(mmToInches(height)),
		MarginTop:       floatPtr(margin),
		MarginBottom:    floatPtr(margin),
		MarginLeft:      floatPtr(margin),
		MarginRight:     floatPtr(margin),
	})
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}
	return io.ReadAll(stream)
}

func (b *rodBrowser) Alive() bool {
	if b.closed.Load() {
		return false
	}
	_, err := proto.BrowserGetVersion{}.Call(b.browser)
	return err == nil
}

func (b *rodBrowser) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	return err
}

func floatPtr(v float64) *float64 {
	return &v
}
