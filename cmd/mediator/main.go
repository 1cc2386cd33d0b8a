// Command mediator is the voice-dialog mediator process: it dials the
// call-control event stream, answers every inbound call through a
// session.Manager, and runs until an interrupt triggers orderly shutdown
// (spec.md §6 Exit codes).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxmediator/ari-mediator/internal/ariclient"
	"github.com/voxmediator/ari-mediator/internal/arievents"
	"github.com/voxmediator/ari-mediator/internal/config"
	"github.com/voxmediator/ari-mediator/internal/logging"
	"github.com/voxmediator/ari-mediator/internal/promptcache"
	"github.com/voxmediator/ari-mediator/internal/recognizer"
	"github.com/voxmediator/ari-mediator/internal/session"
	"github.com/voxmediator/ari-mediator/internal/store"
	"github.com/voxmediator/ari-mediator/internal/synth"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code rather than calling os.Exit directly,
// so deferred cleanup (log sync, event stream close) always executes.
func run() int {
	configPath := flag.String("config", os.Getenv("MEDIATOR_CONFIG"), "path to the process TOML config file")
	recordsPath := flag.String("records", os.Getenv("MEDIATOR_RECORDS_PATH"), "path to the interaction record file (empty disables persistence)")
	flag.Parse()

	procCfg, err := config.LoadProcessConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediator: %v\n", err)
		return 1
	}
	defaults := procCfg.Defaults()

	log := logging.Init(defaults.LogLevel)
	defer func() { _ = log.Sync() }()
	sugar := log.Sugar()

	if defaults.AriURL == "" || defaults.AriUsername == "" || defaults.AriPassword == "" {
		sugar.Errorw("missing call-control credentials; set [ari] in the config file")
		return 1
	}
	if defaults.AzureSpeechSubscriptionKey == "" || defaults.AzureSpeechRegion == "" {
		sugar.Errorw("missing Azure Speech credentials; set [azure] in the config file")
		return 1
	}

	ari, err := ariclient.New(ariclient.Config{
		BaseURL:  defaults.AriURL,
		Username: defaults.AriUsername,
		Password: defaults.AriPassword,
		AppName:  defaults.AriAppName,
	})
	if err != nil {
		sugar.Errorw("failed building call-control client", "error", err)
		return 1
	}

	stream, err := arievents.Dial(ari.EventsURL(), sugar)
	if err != nil {
		sugar.Errorw("failed connecting to call-control event stream", "error", err)
		return 1
	}
	defer func() { _ = stream.Close() }()

	cache, err := promptcache.New()
	if err != nil {
		sugar.Errorw("failed preparing prompt cache directory", "error", err)
		return 1
	}

	var interactionStore store.Store = store.NullStore{}
	if *recordsPath != "" {
		fs, err := store.NewFileStore(*recordsPath)
		if err != nil {
			sugar.Errorw("failed opening interaction record store", "error", err)
			return 1
		}
		interactionStore = fs
	}

	deps := session.Deps{
		Ari:     session.NewAriClient(ari),
		AppName: defaults.AriAppName,
		RecognizerAdapter: &recognizer.AzureAdapter{
			Region:          defaults.AzureSpeechRegion,
			SubscriptionKey: defaults.AzureSpeechSubscriptionKey,
			Language:        defaults.AzureSTTLanguage,
			Log:             sugar,
		},
		SynthAdapter: &synth.AzureAdapter{
			Region:          defaults.AzureSpeechRegion,
			SubscriptionKey: defaults.AzureSpeechSubscriptionKey,
			VoiceName:       defaults.AzureTTSVoiceName,
			Language:        defaults.AzureTTSLanguage,
			OutputFormat:    defaults.AzureTTSOutputFormat,
		},
		Store:          interactionStore,
		Cache:          cache,
		Log:            log,
		Listen:         session.NewRTPListener(),
		WriteRecording: session.NewFileRecordingWriter(),
		AllowList:      config.AllowList(),
	}

	manager := session.NewManager(deps, defaults)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sugar.Infow("mediator started", "ari_url", defaults.AriURL, "app_name", defaults.AriAppName)

	go func() {
		for ev := range stream.Events() {
			if ev.Type == arievents.TypeDisconnected {
				sugar.Warnw("call-control event stream disconnected", "error", ev.Err)
				continue
			}
			manager.HandleEvent(ctx, ev)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sugar.Infow("shutdown signal received, draining in-flight calls")
	_ = stream.Close() // stops new events; in-flight sessions keep their own ctx until cancel below
	time.Sleep(2 * time.Second)
	cancel() // force-unblock any call still mid-teardown
	sugar.Info("shutdown complete")
	return 0
}
