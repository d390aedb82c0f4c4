// Package transcribe turns submitted audio into text through an
// OpenAI-compatible /audio/transcriptions endpoint.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"monadic-chat/internal/domain"
	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/tracer"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4096
)

var _ domain.Transcriber = (*WhisperTranscriber)(nil)

// WhisperTranscriber posts audio as multipart form data and reads back the
// transcript.
type WhisperTranscriber struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewWhisperTranscriber creates a transcriber from cfg.
func NewWhisperTranscriber(cfg config.TranscriptionConfig, logger *slog.Logger) *WhisperTranscriber {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WhisperTranscriber{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe implements domain.Transcriber. format is the audio container,
// e.g. "webm" or "mp3", and becomes the uploaded file's extension.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "transcribe.whisper",
		trace.WithAttributes(
			tracer.StringAttr("audio.format", format),
			tracer.IntAttr("audio.bytes", len(audio)),
		),
	)
	defer span.End()

	text, err := w.transcribe(ctx, audio, format)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("%w: %w", domain.ErrTranscription, err)
	}
	tracer.SetOK(span)
	return text, nil
}

func (w *WhisperTranscriber) transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", domain.ErrInvalidInput)
	}
	if format == "" {
		format = "webm"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", w.model); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	w.logger.Debug("audio transcribed", "format", format, "bytes", len(audio), "chars", len(out.Text))
	return strings.TrimSpace(out.Text), nil
}
