package markup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/models"
	"docgen/internal/script"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// ==========================
// Test Doubles
// ==========================

type fakeModel struct {
	mu      sync.Mutex
	calls   int
	replies []string
	err     error
	block   bool
	prompts []string
	configs []*genai.GenerateContentConfig
}

func (f *fakeModel) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	f.calls++
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompts = append(f.prompts, contents[0].Parts[0].Text)
	}
	f.configs = append(f.configs, cfg)
	idx := f.calls - 1
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[len(f.replies)-1]
	if idx < len(f.replies) {
		reply = f.replies[idx]
	}
	return textResponse(reply), nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: text}},
			},
		}},
	}
}

// ==========================
// Test Helper Functions
// ==========================

func createTestConfig() *Config {
	return &Config{
		Model:           "gemini-test",
		Timeout:         time.Second,
		MaxRetries:      1,
		Temperature:     0.4,
		MaxOutputTokens: 2048,
		KeyCooldown:     time.Minute,
		RTLBypassRatio:  0.5,
	}
}

func createTestGenerator(t *testing.T, cfg *Config, models ...ContentModel) *Generator {
	t.Helper()
	return NewGenerator(cfg, NewKeyRingFromModels(models, cfg.KeyCooldown), logger.NewTestLogger(t))
}

func invoiceRequest() Request {
	return Request{
		Prompt: "Create a one-page invoice for Acme Corp, $500 due in 30 days",
		Tier:   models.TierStarter,
		Brand:  models.BrandContext{CompanyName: "Acme Corp"},
	}
}

// ==========================
// Core Functionality Tests
// ==========================

func TestGenerate_AIMarkupIsSanitised(t *testing.T) {
	model := &fakeModel{replies: []string{"```html\n<h1 onclick=\"x()\">Invoice</h1><script>alert(1)</script><p>Total: $500</p>\n```"}}
	g := createTestGenerator(t, createTestConfig(), model)

	res, err := g.Generate(context.Background(), invoiceRequest())
	require.NoError(t, err)

	assert.Equal(t, SourceAI, res.Source)
	assert.Empty(t, res.Reason)
	assert.Equal(t, "<h1>Invoice</h1><p>Total: $500</p>", res.Markup)
	assert.Equal(t, "gemini-test", res.Model)

	require.Len(t, model.configs, 1)
	assert.Equal(t, int32(2048), model.configs[0].MaxOutputTokens)
	assert.NotNil(t, model.configs[0].SystemInstruction)
	assert.Contains(t, model.prompts[0], "Acme Corp")
	assert.Contains(t, model.prompts[0], "about one page")
}

func TestGenerate_FallbackReasons(t *testing.T) {
	tests := []struct {
		name   string
		models []ContentModel
		cfg    func(*Config)
		req    Request
		reason string
	}{
		{
			name:   "missing credentials",
			req:    invoiceRequest(),
			reason: ReasonMissingCredentials,
		},
		{
			name:   "upstream unavailable",
			models: []ContentModel{&fakeModel{err: errors.New("503 service unavailable")}},
			req:    invoiceRequest(),
			reason: ReasonUpstreamUnavailable,
		},
		{
			name:   "plain text reply",
			models: []ContentModel{&fakeModel{replies: []string{"Sure! Here is your invoice."}}},
			req:    invoiceRequest(),
			reason: ReasonMalformedResponse,
		},
		{
			name:   "empty reply",
			models: []ContentModel{&fakeModel{replies: []string{"   "}}},
			req:    invoiceRequest(),
			reason: ReasonMalformedResponse,
		},
		{
			name:   "rtl heavy prompt bypasses ai",
			models: []ContentModel{&fakeModel{replies: []string{"<p>never used</p>"}}},
			cfg:    func(c *Config) { c.BypassAIForRTL = true },
			req:    Request{Prompt: "اكتب فاتورة لشركة أكمي", Tier: models.TierFree},
			reason: ReasonRTLBypass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig()
			if tt.cfg != nil {
				tt.cfg(cfg)
			}
			g := createTestGenerator(t, cfg, tt.models...)

			res, err := g.Generate(context.Background(), tt.req)
			require.NoError(t, err, "fallbacks are not errors")

			assert.Equal(t, SourceFallback, res.Source)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Contains(t, TextContent(res.Markup), tt.req.Prompt)
		})
	}
}

func TestGenerate_ScriptLossAppendsOriginalText(t *testing.T) {
	arabic := "فاتورة لشركة أكمي بمبلغ خمسمائة دولار"
	model := &fakeModel{replies: []string{"<h1>Invoice</h1><p>Acme Corp owes $500.</p>"}}
	g := createTestGenerator(t, createTestConfig(), model)

	res, err := g.Generate(context.Background(), Request{
		Prompt: "Invoice: " + arabic,
		Tier:   models.TierStarter,
	})
	require.NoError(t, err)

	assert.Equal(t, SourceAI, res.Source)
	assert.True(t, res.ScriptLossRecovered)
	assert.True(t, strings.HasPrefix(res.Markup, "<h1>Invoice</h1>"), "model output is kept")
	assert.Contains(t, res.Markup, arabic)
	assert.Contains(t, res.Markup, `dir="rtl"`)
	assert.Contains(t, res.Markup, `lang="ar"`)
}

func TestGenerate_ScriptLossPerScript(t *testing.T) {
	model := &fakeModel{replies: []string{"<h1>Invoice</h1><p>שלום</p>"}}
	g := createTestGenerator(t, createTestConfig(), model)

	res, err := g.Generate(context.Background(), Request{
		Prompt: "Invoice for مرحبا بالعالم and שלום",
		Tier:   models.TierStarter,
	})
	require.NoError(t, err)

	assert.True(t, res.ScriptLossRecovered)
	assert.Contains(t, res.Markup, "مرحبا بالعالم")
	assert.Equal(t, 1, strings.Count(res.Markup, "שלום"), "kept Hebrew is not repeated")
}

func TestGenerate_PreservedRTLDoesNotTriggerNet(t *testing.T) {
	model := &fakeModel{replies: []string{"<h1>חשבונית</h1><p>Acme</p>"}}
	g := createTestGenerator(t, createTestConfig(), model)

	res, err := g.Generate(context.Background(), Request{Prompt: "חשבונית for Acme", Tier: models.TierFree})
	require.NoError(t, err)
	assert.False(t, res.ScriptLossRecovered)
	assert.NotContains(t, res.Markup, "preserved-text")
}

func TestGenerate_FailsOverToNextKey(t *testing.T) {
	broken := &fakeModel{err: errors.New("quota exhausted")}
	healthy := &fakeModel{replies: []string{"<p>ok</p>"}}
	cfg := createTestConfig()
	g := createTestGenerator(t, cfg, broken, healthy)

	res, err := g.Generate(context.Background(), invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, SourceAI, res.Source)
	assert.Equal(t, cfg.MaxRetries+1, broken.callCount())
	assert.Equal(t, 1, healthy.callCount())

	// the broken key is cooling, so the next request goes to the healthy one first
	_, err = g.Generate(context.Background(), invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxRetries+1, broken.callCount())
	assert.Equal(t, 2, healthy.callCount())
}

func TestGenerate_HangingKeysFallBack(t *testing.T) {
	first, second := &fakeModel{block: true}, &fakeModel{block: true}
	cfg := createTestConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.MaxRetries = 0
	g := createTestGenerator(t, cfg, first, second)

	res, err := g.Generate(context.Background(), invoiceRequest())
	require.NoError(t, err, "a per-call deadline is an upstream failure, not a timeout")
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, ReasonUpstreamUnavailable, res.Reason)
	assert.Equal(t, 1, first.callCount())
	assert.Equal(t, 1, second.callCount())
}

func TestKeyRing_RoundRobin(t *testing.T) {
	a, b := &fakeModel{}, &fakeModel{}
	ring := NewKeyRingFromModels([]ContentModel{a, b}, time.Minute)

	assert.Equal(t, "key-1", ring.order()[0].name)
	assert.Equal(t, "key-2", ring.order()[0].name)
	assert.Equal(t, "key-1", ring.order()[0].name)

	var empty *KeyRing
	assert.Zero(t, empty.Len())
}

func TestGenerate_ContextExpiryIsTimeout(t *testing.T) {
	cfg := createTestConfig()
	cfg.Timeout = 0
	g := createTestGenerator(t, cfg, &fakeModel{block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := g.Generate(ctx, invoiceRequest())
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.CodeOf(err))
}

// ==========================
// Sanitize and Fallback Tests
// ==========================

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"fragment", "<h2>Terms</h2><ul><li>Net 30</li></ul>", "<h2>Terms</h2><ul><li>Net 30</li></ul>", false},
		{"full document keeps body only", "<html><head><title>x</title><style>p{}</style></head><body><p>Hi</p></body></html>", "<p>Hi</p>", false},
		{"javascript link dropped", `<p><a href="javascript:evil()">x</a></p>`, "<p><a>x</a></p>", false},
		{"comments dropped", "<!-- note --><p>Hi</p>", "<p>Hi</p>", false},
		{"plain text", "just words", "", true},
		{"only script", "<script>x</script>", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sanitize(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFallbackBody_EscapesAndKeepsPrompt(t *testing.T) {
	prompt := "Quote for <Acme> & Sons\nline two\n\nSecond paragraph"
	body := FallbackBody(prompt, models.BrandContext{}, script.Detect(prompt))

	assert.Contains(t, body, "<h1>Document</h1>")
	assert.Contains(t, body, "&lt;Acme&gt; &amp; Sons<br/>line two")
	assert.Contains(t, body, "<p>Second paragraph</p>")
	assert.Contains(t, body, `dir="ltr"`)
	assert.Contains(t, TextContent(body), "Quote for <Acme> & Sons")
}
