// Package synth is the text-to-speech synthesis adapter facade (spec.md
// §4.5) plus a concrete Azure Speech REST backend.
package synth

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Chunk is one PCM byte chunk off a lazy synthesis stream. Final marks the
// end of a non-restartable sequence; Err marks failure (the channel is
// closed immediately after either).
type Chunk struct {
	PCM   []byte
	Final bool
	Err   error
}

// Adapter produces a finite, non-restartable PCM chunk stream for text.
type Adapter interface {
	Synthesize(ctx context.Context, text string) (<-chan Chunk, error)
}

// AzureAdapter synthesizes speech via Azure's REST TTS endpoint, grounded
// on the teacher's tts/provider.go Option/New construction shape —
// generalized from Twilio's TwiML-<Say> generation (no direct audio bytes)
// to a real byte-streaming synthesis call, since the spec requires an
// actual PCM chunk sequence rather than a markup instruction.
type AzureAdapter struct {
	Region          string
	SubscriptionKey string
	VoiceName       string
	Language        string
	OutputFormat    string // e.g. "raw-8khz-16bit-mono-pcm"
	HTTPClient      *http.Client
}

type ssmlVoice struct {
	XMLName xml.Name `xml:"voice"`
	Lang    string   `xml:"xml:lang,attr"`
	Name    string   `xml:"name,attr"`
	Text    string   `xml:",chardata"`
}

type ssmlSpeak struct {
	XMLName xml.Name  `xml:"speak"`
	Version string    `xml:"version,attr"`
	Lang    string    `xml:"xml:lang,attr"`
	Voice   ssmlVoice `xml:"voice"`
}

func (a *AzureAdapter) buildSSML(text string) string {
	doc := ssmlSpeak{
		Version: "1.0",
		Lang:    a.Language,
		Voice: ssmlVoice{
			Lang: a.Language,
			Name: a.VoiceName,
			Text: text,
		},
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return fmt.Sprintf(`<speak version="1.0" xml:lang="%s"><voice xml:lang="%s" name="%s">%s</voice></speak>`,
			a.Language, a.Language, a.VoiceName, text)
	}
	return xml.Header + string(body)
}

// Synthesize posts SSML to Azure's TTS REST endpoint and streams the
// chunked PCM response body onto the returned channel.
func (a *AzureAdapter) Synthesize(ctx context.Context, text string) (<-chan Chunk, error) {
	url := fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", a.Region)
	return a.synthesizeAt(ctx, text, url)
}

// synthesizeAt is Synthesize with an injectable endpoint URL, so tests can
// target an httptest server instead of a real Azure endpoint.
func (a *AzureAdapter) synthesizeAt(ctx context.Context, text, url string) (<-chan Chunk, error) {
	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(a.buildSSML(text)))
	if err != nil {
		return nil, fmt.Errorf("synth: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.SubscriptionKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", a.OutputFormat)
	req.Header.Set("User-Agent", "ari-mediator")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synth: request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("synth: status %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan Chunk, 8)
	go streamChunks(resp.Body, out)
	return out, nil
}

const chunkSize = 3200 // 200ms at 8kHz/16-bit/mono

func streamChunks(body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer func() { _ = body.Close() }()

	r := bufio.NewReaderSize(body, chunkSize)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pcm := make([]byte, n)
			copy(pcm, buf[:n])
			out <- Chunk{PCM: pcm}
		}
		if err != nil {
			if err == io.EOF {
				out <- Chunk{Final: true}
				return
			}
			out <- Chunk{Err: fmt.Errorf("synth: read: %w", err)}
			return
		}
	}
}
