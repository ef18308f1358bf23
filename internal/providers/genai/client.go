package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/infra"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client is a thin facade over the Gemini generateContent endpoint, tuned for
// image-to-image variation calls. Without an API key it produces deterministic
// synthetic portraits so the whole batch pipeline stays runnable in local and
// CI environments. With a key configured, remote failures surface to the
// caller: the batch orchestrator records them per item.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// VariationRequest describes one image-variation call.
type VariationRequest struct {
	SourceImageURL string
	SourcePrompt   string
	Instruction    string
	RequestID      string
}

// GeneratedImage is the normalized result of a variation call.
type GeneratedImage struct {
	Data         []byte
	Format       string
	Width        int
	Height       int
	ModelVersion string
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiTool struct {
	ImageGeneration *geminiImageTool `json:"image_generation,omitempty"`
}

type geminiImageTool struct{}

type geminiGenerateContentRequest struct {
	Contents []geminiContent `json:"contents"`
	Tools    []geminiTool    `json:"tools,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with a conservative timeout is created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// GenerateVariation produces one variation of the source portrait following
// the instruction. The caller bounds the wait through ctx.
func (c *Client) GenerateVariation(ctx context.Context, req VariationRequest) (*GeneratedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.apiKey == "" {
		return c.syntheticVariation(req), nil
	}
	return c.remoteVariation(ctx, req)
}

func (c *Client) remoteVariation(ctx context.Context, req VariationRequest) (*GeneratedImage, error) {
	parts := []geminiPart{{Text: buildVariationPrompt(req)}}
	if src := strings.TrimSpace(req.SourceImageURL); src != "" {
		parts = append(parts, geminiPart{FileData: &geminiFileData{FileURI: src}})
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		Tools:    []geminiTool{{ImageGeneration: &geminiImageTool{}}},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return nil, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			data, format, err := c.decodeImagePart(ctx, part)
			if err != nil || len(data) == 0 {
				continue
			}
			if format == "" {
				format = "image/png"
			}
			w, h := decodeImageDimensions(data)
			c.logger.Debug().
				Str("request_id", req.RequestID).
				Str("model", c.model).
				Msg("genai: generated variation")
			return &GeneratedImage{Data: data, Format: format, Width: w, Height: h, ModelVersion: c.model}, nil
		}
	}

	return nil, fmt.Errorf("no image content returned")
}

func (c *Client) invokeGemini(ctx context.Context, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func (c *Client) decodeImagePart(ctx context.Context, part geminiPart) ([]byte, string, error) {
	if part.InlineData != nil && part.InlineData.Data != "" {
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, "", fmt.Errorf("decode inline data: %w", err)
		}
		return data, part.InlineData.MimeType, nil
	}

	if part.FileData != nil && part.FileData.FileURI != "" {
		data, mime, err := c.downloadFile(ctx, part.FileData.FileURI)
		if err != nil {
			return nil, "", err
		}
		if part.FileData.MimeType != "" {
			mime = part.FileData.MimeType
		}
		return data, mime, nil
	}

	return nil, "", nil
}

func (c *Client) downloadFile(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("download file status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

func buildVariationPrompt(req VariationRequest) string {
	var b strings.Builder
	if prompt := strings.TrimSpace(req.SourcePrompt); prompt != "" {
		b.WriteString("Original portrait prompt: ")
		b.WriteString(prompt)
	}
	if instruction := strings.TrimSpace(req.Instruction); instruction != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(instruction)
	}
	if b.Len() == 0 {
		b.WriteString("Create a stylized pet portrait variation")
	}
	return b.String()
}

// syntheticVariation renders a deterministic placeholder so the pipeline can
// be exercised end to end without an API key.
func (c *Client) syntheticVariation(req VariationRequest) *GeneratedImage {
	seed := deterministicSeed(req.RequestID, req.SourcePrompt, req.Instruction)
	const width, height = 1024, 1024
	data := renderSyntheticPortrait(width, height, seed)

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Msg("genai: generated synthetic variation")

	return &GeneratedImage{
		Data:         data,
		Format:       "image/png",
		Width:        width,
		Height:       height,
		ModelVersion: c.model + "-synthetic",
	}
}

func renderSyntheticPortrait(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := height / 12
	if stripeHeight < 32 {
		stripeHeight = 32
	}
	for y := 0; y < height; y += stripeHeight * 2 {
		bottom := y + stripeHeight
		if bottom > height {
			bottom = height
		}
		stripe := image.Rect(0, y, width, bottom)
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if seed == "" {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{
		R: parseHexByte(segment[0:2]),
		G: parseHexByte(segment[2:4]),
		B: parseHexByte(segment[4:6]),
		A: 255,
	}
}

func parseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func decodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func deterministicSeed(parts ...string) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
