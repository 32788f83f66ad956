package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/config"
)

// Transcriber turns one utterance of raw PCM into text. It implements
// session.Transcriber and the relay's transcriber.
type Transcriber struct {
	client Client
	model  string
}

func NewTranscriber(client Client, cfg config.LLMConfig) *Transcriber {
	model := cfg.TranscriptionModel
	if model == "" {
		model = openai.Whisper1
	}
	return &Transcriber{client: client, model: model}
}

// Transcribe uploads pcm as a WAV file. Empty audio transcribes to "".
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(audio.EncodeWAV(pcm, f)),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("llm: transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesizer renders reply text to speech. It implements
// playback.Synthesizer and the relay's synthesizer.
type Synthesizer struct {
	client Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

func NewSynthesizer(client Client, cfg config.LLMConfig) *Synthesizer {
	s := &Synthesizer{client: client, model: openai.TTSModel1, voice: openai.VoiceAlloy}
	if cfg.SpeechModel != "" {
		s.model = openai.SpeechModel(cfg.SpeechModel)
	}
	if cfg.Voice != "" {
		s.voice = openai.SpeechVoice(cfg.Voice)
	}
	return s
}

// Synthesize returns encoded audio and its format name.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, "", fmt.Errorf("llm: speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, "", fmt.Errorf("llm: read speech: %w", err)
	}
	return data, string(openai.SpeechResponseFormatMp3), nil
}
