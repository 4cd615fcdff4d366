package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"detectx/internal/capture"
	"detectx/internal/config"
)

func TestNewSource(t *testing.T) {
	assert.IsType(t, &capture.HTTPSource{}, newSource(config.CaptureConfig{SnapshotURL: "http://cam/jpg", File: "x.jpg"}, time.Second))
	assert.IsType(t, &capture.FFmpegSource{}, newSource(config.CaptureConfig{Device: "rtsp://cam/stream"}, time.Second))
	assert.IsType(t, &capture.FileSource{}, newSource(config.CaptureConfig{File: "frame.jpg"}, time.Second))
	assert.Nil(t, newSource(config.CaptureConfig{}, time.Second))
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	setupLogging(config.LogConfig{Level: "WARN"}, false)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	setupLogging(config.LogConfig{Level: "bogus"}, false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	setupLogging(config.LogConfig{Level: "error"}, true)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
