// Package config loads process-wide defaults from a TOML file and merges
// per-call APP_VAR_* script variable overrides into an EffectiveConfig, per
// spec.md §4.7 step 2 and §6's variable table.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// EffectiveConfig is the per-call configuration: a deep clone of the
// process defaults with APP_VAR_* overrides applied. Immutable once built.
type EffectiveConfig struct {
	AriURL      string `toml:"url"`
	AriUsername string `toml:"username"`
	AriPassword string `toml:"password"`
	AriAppName  string `toml:"app_name"`

	AzureSpeechSubscriptionKey string `toml:"subscription_key"`
	AzureSpeechRegion          string `toml:"region"`
	AzureTTSLanguage           string `toml:"tts_language"`
	AzureTTSVoiceName          string `toml:"tts_voice_name"`
	AzureTTSOutputFormat       string `toml:"tts_output_format"`
	AzureSTTLanguage           string `toml:"stt_language"`

	VadActivationMode         string `toml:"activation_mode"`
	VadActivationDelayMs      int    `toml:"activation_delay_ms"`
	TalkDetectSilenceThreshold int   `toml:"talk_detect_silence_threshold"`
	TalkDetectSpeechThreshold  int   `toml:"talk_detect_speech_threshold"`

	PromptMode       string `toml:"prompt_mode"`
	PlaybackFilePath string `toml:"playback_file_path"`

	SessionTimeoutMs        int `toml:"session_timeout_ms"`
	NoInputTimeoutMs        int `toml:"no_input_timeout_ms"`
	RtpPrebufferSize        int `toml:"rtp_prebuffer_size"`
	EnableDTMF              bool `toml:"enable_dtmf"`
	DtmfCompletionTimeoutMs int `toml:"dtmf_completion_timeout_ms"`

	ExternalMediaServerIP     string `toml:"external_media_server_ip"`
	ExternalMediaServerPort   int    `toml:"external_media_server_port"`
	ExternalMediaAudioFormat string `toml:"external_media_audio_format"`

	LogLevel string `toml:"log_level"`
}

// ProcessConfig is the process-wide TOML file layout; its fields become the
// defaults that each call's EffectiveConfig deep-clones from.
type ProcessConfig struct {
	ARI struct {
		URL      string `toml:"url"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		AppName  string `toml:"app_name"`
	} `toml:"ari"`
	Azure struct {
		SubscriptionKey string `toml:"subscription_key"`
		Region          string `toml:"region"`
		TTSLanguage     string `toml:"tts_language"`
		TTSVoiceName    string `toml:"tts_voice_name"`
		TTSOutputFormat string `toml:"tts_output_format"`
		STTLanguage     string `toml:"stt_language"`
	} `toml:"azure"`
	VAD struct {
		ActivationMode        string `toml:"activation_mode"`
		ActivationDelayMs     int    `toml:"activation_delay_ms"`
		SilenceThreshold      int    `toml:"silence_threshold"`
		SpeechThreshold       int    `toml:"speech_threshold"`
	} `toml:"vad"`
	Prompt struct {
		Mode             string `toml:"mode"`
		PlaybackFilePath string `toml:"playback_file_path"`
	} `toml:"prompt"`
	Timeouts struct {
		SessionMs        int `toml:"session_ms"`
		NoInputMs        int `toml:"no_input_ms"`
		DtmfCompletionMs int `toml:"dtmf_completion_ms"`
	} `toml:"timeouts"`
	Media struct {
		RtpPrebufferSize  int    `toml:"rtp_prebuffer_size"`
		EnableDTMF        bool   `toml:"enable_dtmf"`
		ExternalMediaIP   string `toml:"external_media_server_ip"`
		ExternalMediaPort int    `toml:"external_media_server_port"`
		AudioFormat       string `toml:"external_media_audio_format"`
	} `toml:"media"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// DefaultProcessConfig returns the built-in defaults used when no TOML file
// is present or a value is left unset in one.
func DefaultProcessConfig() *ProcessConfig {
	var p ProcessConfig
	p.ARI.AppName = "voxmediator"
	p.Azure.TTSLanguage = "en-US"
	p.Azure.TTSVoiceName = "en-US-JennyNeural"
	p.Azure.TTSOutputFormat = "raw-8khz-16bit-mono-pcm"
	p.Azure.STTLanguage = "en-US"
	p.VAD.ActivationMode = "after_prompt_start"
	p.VAD.ActivationDelayMs = 0
	p.VAD.SilenceThreshold = 1200
	p.VAD.SpeechThreshold = 500
	p.Prompt.Mode = "tts"
	p.Timeouts.SessionMs = 60000
	p.Timeouts.NoInputMs = 8000
	p.Timeouts.DtmfCompletionMs = 3000
	p.Media.RtpPrebufferSize = 50
	p.Media.EnableDTMF = true
	p.Media.AudioFormat = "ulaw"
	p.Log.Level = "info"
	return &p
}

// LoadProcessConfig reads path (if it exists) over the built-in defaults.
// A missing file is not an error; a malformed one is.
func LoadProcessConfig(path string) (*ProcessConfig, error) {
	cfg := DefaultProcessConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Defaults projects a ProcessConfig into the EffectiveConfig shape that
// per-call overrides are applied to.
func (p *ProcessConfig) Defaults() EffectiveConfig {
	return EffectiveConfig{
		AriURL:                     p.ARI.URL,
		AriUsername:                p.ARI.Username,
		AriPassword:                p.ARI.Password,
		AriAppName:                 p.ARI.AppName,
		AzureSpeechSubscriptionKey: p.Azure.SubscriptionKey,
		AzureSpeechRegion:          p.Azure.Region,
		AzureTTSLanguage:           p.Azure.TTSLanguage,
		AzureTTSVoiceName:          p.Azure.TTSVoiceName,
		AzureTTSOutputFormat:       p.Azure.TTSOutputFormat,
		AzureSTTLanguage:           p.Azure.STTLanguage,
		VadActivationMode:          p.VAD.ActivationMode,
		VadActivationDelayMs:       p.VAD.ActivationDelayMs,
		TalkDetectSilenceThreshold: p.VAD.SilenceThreshold,
		TalkDetectSpeechThreshold:  p.VAD.SpeechThreshold,
		PromptMode:                 p.Prompt.Mode,
		PlaybackFilePath:           p.Prompt.PlaybackFilePath,
		SessionTimeoutMs:           p.Timeouts.SessionMs,
		NoInputTimeoutMs:           p.Timeouts.NoInputMs,
		RtpPrebufferSize:           p.Media.RtpPrebufferSize,
		EnableDTMF:                 p.Media.EnableDTMF,
		DtmfCompletionTimeoutMs:    p.Timeouts.DtmfCompletionMs,
		ExternalMediaServerIP:      p.Media.ExternalMediaIP,
		ExternalMediaServerPort:    p.Media.ExternalMediaPort,
		ExternalMediaAudioFormat:  p.Media.AudioFormat,
		LogLevel:                   p.Log.Level,
	}
}

// overrideField applies a single parsed APP_VAR_* value onto a clone of
// EffectiveConfig. The declarative table below maps each script variable
// name to one of these.
type overrideField func(cfg *EffectiveConfig, raw string) error

func setString(set func(*EffectiveConfig, string)) overrideField {
	return func(cfg *EffectiveConfig, raw string) error {
		set(cfg, raw)
		return nil
	}
}

func setInt(set func(*EffectiveConfig, int)) overrideField {
	return func(cfg *EffectiveConfig, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("not an integer: %q", raw)
		}
		set(cfg, v)
		return nil
	}
}

func setBool(set func(*EffectiveConfig, bool)) overrideField {
	return func(cfg *EffectiveConfig, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", raw)
		}
		set(cfg, v)
		return nil
	}
}

func setEnum(set func(*EffectiveConfig, string), allowed ...string) overrideField {
	return func(cfg *EffectiveConfig, raw string) error {
		for _, a := range allowed {
			if raw == a {
				set(cfg, raw)
				return nil
			}
		}
		return fmt.Errorf("not one of %v: %q", allowed, raw)
	}
}

// overrideTable is the declarative APP_VAR_* name -> field mapping spec.md
// §6 names in full. Unknown keys are logged and ignored by Merge; values
// that fail to parse are logged and dropped (the prior value is kept).
var overrideTable = map[string]overrideField{
	"APP_VAR_ARI_URL":      setString(func(c *EffectiveConfig, v string) { c.AriURL = v }),
	"APP_VAR_ARI_USERNAME": setString(func(c *EffectiveConfig, v string) { c.AriUsername = v }),
	"APP_VAR_ARI_PASSWORD": setString(func(c *EffectiveConfig, v string) { c.AriPassword = v }),
	"APP_VAR_ARI_APP_NAME": setString(func(c *EffectiveConfig, v string) { c.AriAppName = v }),

	"APP_VAR_AZURE_SPEECH_SUBSCRIPTION_KEY": setString(func(c *EffectiveConfig, v string) { c.AzureSpeechSubscriptionKey = v }),
	"APP_VAR_AZURE_SPEECH_REGION":           setString(func(c *EffectiveConfig, v string) { c.AzureSpeechRegion = v }),
	"APP_VAR_AZURE_TTS_LANGUAGE":            setString(func(c *EffectiveConfig, v string) { c.AzureTTSLanguage = v }),
	"APP_VAR_AZURE_TTS_VOICE_NAME":          setString(func(c *EffectiveConfig, v string) { c.AzureTTSVoiceName = v }),
	"APP_VAR_AZURE_TTS_OUTPUT_FORMAT":       setString(func(c *EffectiveConfig, v string) { c.AzureTTSOutputFormat = v }),
	"APP_VAR_AZURE_STT_LANGUAGE":            setString(func(c *EffectiveConfig, v string) { c.AzureSTTLanguage = v }),

	"APP_VAR_VAD_ACTIVATION_MODE": setEnum(func(c *EffectiveConfig, v string) { c.VadActivationMode = v },
		"after_prompt_start", "after_prompt_end"),
	"APP_VAR_VAD_ACTIVATION_DELAY_MS":          setInt(func(c *EffectiveConfig, v int) { c.VadActivationDelayMs = v }),
	"APP_VAR_TALK_DETECT_SILENCE_THRESHOLD": setInt(func(c *EffectiveConfig, v int) { c.TalkDetectSilenceThreshold = v }),
	"APP_VAR_TALK_DETECT_SPEECH_THRESHOLD":  setInt(func(c *EffectiveConfig, v int) { c.TalkDetectSpeechThreshold = v }),

	"APP_VAR_PROMPT_MODE": setEnum(func(c *EffectiveConfig, v string) { c.PromptMode = v },
		"tts", "playback"),
	"APP_VAR_PLAYBACK_FILE_PATH": setString(func(c *EffectiveConfig, v string) { c.PlaybackFilePath = v }),

	"APP_VAR_ARI_SESSION_TIMEOUT_MS":    setInt(func(c *EffectiveConfig, v int) { c.SessionTimeoutMs = v }),
	"APP_VAR_NO_INPUT_TIMEOUT_MS":       setInt(func(c *EffectiveConfig, v int) { c.NoInputTimeoutMs = v }),
	"APP_VAR_RTP_PREBUFFER_SIZE":        setInt(func(c *EffectiveConfig, v int) { c.RtpPrebufferSize = v }),
	"APP_VAR_ENABLE_DTMF":               setBool(func(c *EffectiveConfig, v bool) { c.EnableDTMF = v }),
	"APP_VAR_DTMF_COMPLETION_TIMEOUT_MS": setInt(func(c *EffectiveConfig, v int) { c.DtmfCompletionTimeoutMs = v }),

	"APP_VAR_EXTERNAL_MEDIA_SERVER_IP":     setString(func(c *EffectiveConfig, v string) { c.ExternalMediaServerIP = v }),
	"APP_VAR_EXTERNAL_MEDIA_SERVER_PORT":   setInt(func(c *EffectiveConfig, v int) { c.ExternalMediaServerPort = v }),
	"APP_VAR_EXTERNAL_MEDIA_AUDIO_FORMAT": setString(func(c *EffectiveConfig, v string) { c.ExternalMediaAudioFormat = v }),

	"APP_VAR_LOG_LEVEL": setString(func(c *EffectiveConfig, v string) { c.LogLevel = v }),
}

// Merge deep-clones defaults and applies each scriptVars entry through the
// declarative mapping table. Unknown keys are logged and ignored;
// unparsable values are logged and dropped (field keeps its default).
func Merge(defaults EffectiveConfig, scriptVars map[string]string, logger *zap.SugaredLogger) EffectiveConfig {
	cfg := defaults // struct copy: deep clone, EffectiveConfig has no pointers/slices

	for key, raw := range scriptVars {
		field, ok := overrideTable[key]
		if !ok {
			if logger != nil {
				logger.Warnw("unknown script variable, ignoring", "key", key)
			}
			continue
		}
		if err := field(&cfg, raw); err != nil {
			if logger != nil {
				logger.Warnw("unparsable script variable, dropping", "key", key, "value", raw, "error", err)
			}
			continue
		}
	}
	return cfg
}

// AllowList is the fixed set of variable names read individually from the
// channel on every call (spec.md §4.7 step 1). No bulk variable read is
// attempted first; variables outside this list are never read.
func AllowList() []string {
	names := make([]string, 0, len(overrideTable)+1)
	names = append(names, "TEXT_TO_SPEAK")
	for k := range overrideTable {
		names = append(names, k)
	}
	return names
}
