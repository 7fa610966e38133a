package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/diagnoseai/diagnoseai/internal/platform/imaging"
)

const systemPrompt = "You are an expert radiologist assistant. Analyze the provided medical image and clinical " +
	"information to produce a preliminary radiology report. Be thorough but concise and always include " +
	"appropriate medical disclaimers."

const userPromptTemplate = `Please analyze this %s and provide a preliminary radiology report based on the following clinical information:

CLINICAL NOTES:
%s

Please provide a structured report including:

1. TECHNICAL QUALITY: Comment on image quality and technical adequacy
2. FINDINGS: Describe what you observe in the image
3. IMPRESSION: Provide your preliminary diagnostic impression
4. RECOMMENDATIONS: Suggest any follow-up studies or clinical correlation needed

IMPORTANT DISCLAIMERS:
- This is a preliminary AI-generated report that requires review by a qualified radiologist
- Clinical correlation is recommended
- This report should not be used as the sole basis for clinical decision-making

Format the report clearly and professionally, suitable for medical documentation.`

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

type OpenAIConfig struct {
	APIKey      string
	APIURL      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
	logger zerolog.Logger
}

// NewOpenAI fails with a KindConfig error when the API key is missing.
func NewOpenAI(cfg OpenAIConfig, logger zerolog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &Error{Kind: KindConfig, Msg: "OPENAI_API_KEY is not configured"}
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "generator").Logger(),
	}, nil
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// visionTypes are the formats chat vision models accept inline. Other
// formats (DICOM, TIFF, BMP) are described in text only.
var visionTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

func (g *OpenAI) Generate(ctx context.Context, imagePath, clinicalContext string) (json.RawMessage, string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}

	if strings.TrimSpace(clinicalContext) == "" {
		clinicalContext = "No clinical notes provided."
	}
	contentType := imaging.ContentType(imagePath)

	var user chatMessage
	if visionTypes[contentType] {
		dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
		user = chatMessage{Role: "user", Content: []chatContentPart{
			{Type: "text", Text: fmt.Sprintf(userPromptTemplate, "medical image", clinicalContext)},
			{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
		}}
	} else {
		subject := fmt.Sprintf("study (the %s image could not be attached; base the report on the clinical information and state that the image was not reviewed)", imaging.Ext(imagePath))
		user = chatMessage{Role: "user", Content: fmt.Sprintf(userPromptTemplate, subject, clinicalContext)}
	}

	body, err := json.Marshal(chatRequest{
		Model:       g.cfg.Model,
		Messages:    []chatMessage{{Role: "system", Content: systemPrompt}, user},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", &Error{Kind: KindUnavailable, Msg: "provider request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", &Error{Kind: KindUnavailable, Msg: "read provider response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &Error{Kind: KindUnavailable, Msg: fmt.Sprintf("provider returned status %d", resp.StatusCode)}
	}

	var completion chatResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return nil, "", &Error{Kind: KindBadResponse, Msg: "decode provider response", Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, "", &Error{Kind: KindBadResponse, Msg: "provider returned no choices"}
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return nil, "", &Error{Kind: KindBadResponse, Msg: "provider returned empty content"}
	}

	g.logger.Info().
		Int("total_tokens", completion.Usage.TotalTokens).
		Dur("elapsed", time.Since(start)).
		Msg("draft report generated")

	return json.RawMessage(raw), text, nil
}
